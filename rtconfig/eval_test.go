package rtconfig

import "testing"

func TestEvaluate(t *testing.T) {
	cases := []struct {
		formula string
		want    int64
	}{
		{"1024 * 1024", 1024 * 1024},
		{"3 * 60 * 1000", 180000},
		{"42", 42},
		{"10 - 3 + 1", 8},
		{"100 / 4", 25},
	}
	for _, c := range cases {
		got, err := Evaluate(c.formula)
		if err != nil {
			t.Fatalf("Evaluate(%q) returned error: %v", c.formula, err)
		}
		if got != c.want {
			t.Errorf("Evaluate(%q) = %d, want %d", c.formula, got, c.want)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	cases := []string{
		"",
		"1 +",
		"1 % 2",
		"1 / 0",
		"abc",
	}
	for _, formula := range cases {
		if _, err := Evaluate(formula); err == nil {
			t.Errorf("Evaluate(%q) expected error, got nil", formula)
		}
	}
}

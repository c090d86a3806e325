package rtconfig

import "testing"

func TestNewDefaults(t *testing.T) {
	s := New()
	got, ok := s.Int64("coroutine.stackSize")
	if !ok {
		t.Fatal("expected default coroutine.stackSize to be present")
	}
	if got != 1024*1024 {
		t.Errorf("coroutine.stackSize = %d, want %d", got, 1024*1024)
	}
}

func TestLoadOverridesAndNotifies(t *testing.T) {
	s := New()

	var oldSeen, newSeen int64
	calls := 0
	s.OnChange("coroutine.stackSize", func(oldVal, newVal int64) {
		calls++
		oldSeen, newSeen = oldVal, newVal
	})

	doc := []byte("coroutine:\n  stackSize: \"2 * 1024 * 1024\"\n")
	if err := s.Load(doc); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected 1 monitor call, got %d", calls)
	}
	if oldSeen != 1024*1024 || newSeen != 2*1024*1024 {
		t.Errorf("monitor saw old=%d new=%d", oldSeen, newSeen)
	}

	got, _ := s.Int64("coroutine.stackSize")
	if got != 2*1024*1024 {
		t.Errorf("coroutine.stackSize = %d, want %d", got, 2*1024*1024)
	}
}

func TestLoadSameValueDoesNotNotify(t *testing.T) {
	s := New()
	calls := 0
	s.OnChange("coroutine.stackSize", func(oldVal, newVal int64) { calls++ })

	doc := []byte("coroutine:\n  stackSize: \"1024 * 1024\"\n")
	if err := s.Load(doc); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no monitor calls for unchanged value, got %d", calls)
	}
}

func TestSetInvalidFormula(t *testing.T) {
	s := New()
	if err := s.Set("server.server_tcp_recv_timeout", "1 % 2"); err == nil {
		t.Fatal("expected error for invalid formula")
	}
}

func TestLoadNonFormulaScalarSkipped(t *testing.T) {
	s := New()
	doc := []byte("server:\n  name: primary\n")
	if err := s.Load(doc); err != nil {
		t.Fatalf("Load: %v", err)
	}
	raw, ok := s.Raw("server.name")
	if !ok || raw != "primary" {
		t.Errorf("Raw(server.name) = %v, %v", raw, ok)
	}
	if _, ok := s.Int64("server.name"); ok {
		t.Error("expected server.name to have no resolved numeric form")
	}
}

func TestLoadBadYAML(t *testing.T) {
	s := New()
	if err := s.Load([]byte("not: [valid: yaml")); err == nil {
		t.Fatal("expected parse error")
	}
}

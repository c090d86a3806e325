package rtconfig

import (
	"fmt"
	"strconv"
	"strings"
)

// Evaluate parses and computes a left-to-right, no-precedence arithmetic
// formula over int64 operands using +, -, *, / and whitespace-separated
// tokens, matching the original implementation's StringCalculate: a
// config value like "3 * 60 * 1000" resolves to milliseconds without
// requiring the YAML author to do the multiplication by hand. Division by
// zero and malformed tokens return an error; there is no operator
// precedence (multiplication does not bind tighter than addition), which
// matches every default formula in SPEC_FULL.md's Configuration table
// (they are chains of a single operator or read left to right safely).
func Evaluate(formula string) (int64, error) {
	fields := strings.Fields(formula)
	if len(fields) == 0 {
		return 0, fmt.Errorf("rtconfig: empty formula")
	}

	acc, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rtconfig: %q is not a number: %w", fields[0], err)
	}

	i := 1
	for i < len(fields) {
		op := fields[i]
		if i+1 >= len(fields) {
			return 0, fmt.Errorf("rtconfig: dangling operator %q in %q", op, formula)
		}
		rhs, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("rtconfig: %q is not a number: %w", fields[i+1], err)
		}
		switch op {
		case "+":
			acc += rhs
		case "-":
			acc -= rhs
		case "*":
			acc *= rhs
		case "/":
			if rhs == 0 {
				return 0, fmt.Errorf("rtconfig: division by zero in %q", formula)
			}
			acc /= rhs
		default:
			return 0, fmt.Errorf("rtconfig: unknown operator %q in %q", op, formula)
		}
		i += 2
	}
	return acc, nil
}

package expr

import (
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestEval(t *testing.T) {
	ctx := Context{
		"rpm":      3000,
		"coolant":  82.5,
		"afr":      14.7,
		"status":   6,
		"zero":     0,
		"negative": -12,
	}
	tests := []struct {
		name string
		src  string
		want float64
	}{
		{"literal", "42", 42},
		{"decimal", "3.5", 3.5},
		{"hex", "0x1F", 31},
		{"identifier", "rpm", 3000},
		{"add", "1 + 2 + 3", 6},
		{"mul before add", "2 + 3 * 4", 14},
		{"parens", "(2 + 3) * 4", 20},
		{"div", "rpm / 100", 30},
		{"mod", "7 % 4", 3},
		{"unary minus", "-rpm", -3000},
		{"double unary", "--5", 5},
		{"not", "!zero", 1},
		{"not nonzero", "!rpm", 0},
		{"complement", "~0", -1},
		{"relational", "coolant > 80", 1},
		{"relational false", "coolant < 80", 0},
		{"le", "afr <= 14.7", 1},
		{"equality", "status == 6", 1},
		{"inequality", "status != 6", 0},
		{"bit and", "status & 2", 2},
		{"bit or", "4 | 1", 5},
		{"bit xor", "6 ^ 3", 5},
		{"equality binds before bitwise", "4 | rpm == 3000", 5},
		{"logical and", "rpm > 1000 && coolant > 80", 1},
		{"logical or", "zero || rpm", 1},
		{"logical short circuit", "zero && undefined", 0},
		{"ternary", "rpm > 2500 ? 1 : 0", 1},
		{"ternary false arm", "zero ? 1 : 99", 99},
		{"nested ternary", "zero ? 1 : rpm > 2500 ? 2 : 3", 2},
		{"string equality", `"on" == "on"`, 1},
		{"string inequality", `"on" != "off"`, 1},
		{"bool literal", "true + true", 2},
		{"negative context", "negative * -1", 12},
		{"duty style", "rpm * 200 / (200 * 50)", 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.src, err)
			}
			got, err := e.Eval(ctx)
			if err != nil {
				t.Fatalf("Eval(%q): %v", tt.src, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Eval(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"(1 + 2",
		"rpm ? 1",
		"rpm ? 1 2",
		"* 4",
		"1 2",
		`"unterminated`,
		"#",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			if _, err := Parse(src); err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", src)
			} else {
				var se *SyntaxError
				if !errors.As(err, &se) {
					t.Fatalf("Parse(%q) error %v, want *SyntaxError", src, err)
				}
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown name", "boost * 2"},
		{"division by zero", "1 / zero"},
		{"modulo by zero", "1 % zero"},
		{"string arithmetic", `"a" + 1`},
		{"bare string", `"a"`},
	}
	ctx := Context{"zero": 0}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.src, err)
			}
			if _, err := e.Eval(ctx); err == nil {
				t.Fatalf("Eval(%q) succeeded, want error", tt.src)
			}
		})
	}
}

func TestUnknownNameSentinel(t *testing.T) {
	e, err := Parse("missing + 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = e.Eval(Context{})
	if !errors.Is(err, ErrUnknownName) {
		t.Fatalf("Eval error = %v, want ErrUnknownName", err)
	}
}

func TestNames(t *testing.T) {
	e, err := Parse("rpm > limit ? map * ve : map")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"limit", "map", "rpm", "ve"}
	if got := e.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}

package parser

import (
	"testing"

	"github.com/kr/pretty"

	"calcjit/internal/ast"
	"calcjit/internal/errors"
)

// Test helper to check if parsing succeeds
func assertParseSuccess(t *testing.T, input string, description string) ast.Node {
	t.Helper()
	node, err := Parse(input)
	if err != nil {
		t.Errorf("%s: parsing failed: %v", description, err)
		return nil
	}
	return node
}

// Test helper to check if parsing fails with a syntax error
func assertParseError(t *testing.T, input string, description string) {
	t.Helper()
	_, err := Parse(input)
	if err == nil {
		t.Errorf("%s: expected parsing to fail but it succeeded", description)
		return
	}
	if !errors.Is(err, errors.SyntaxError) {
		t.Errorf("%s: expected SyntaxError, got %v", description, err)
	}
}

func num(v int32) *ast.Number { return &ast.Number{Value: v} }
func name(s string) *ast.Name { return &ast.Name{Ident: s} }
func op(o ast.Op, args ...ast.Expr) *ast.Operator {
	return ast.MustOperator(o, args...)
}

func TestStatementShapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  ast.Node
	}{
		{"literal", "42", num(42)},
		{"precedence", "1 + 2 * 3", op(ast.Add, num(1), op(ast.Mul, num(2), num(3)))},
		{"left assoc", "10 - 4 - 3", op(ast.Sub, op(ast.Sub, num(10), num(4)), num(3))},
		{"parens", "(1 + 2) * 3", op(ast.Mul, op(ast.Add, num(1), num(2)), num(3))},
		{"comparison below arithmetic", "a + 1 < b", op(ast.Lt, op(ast.Add, name("a"), num(1)), name("b"))},
		{"bitwise order", "a | b ^ c & d", op(ast.Or, name("a"), op(ast.Xor, name("b"), op(ast.And, name("c"), name("d"))))},
		{"equality below relation", "a < b == c > d", op(ast.Eq, op(ast.Lt, name("a"), name("b")), op(ast.Gt, name("c"), name("d")))},
		{"unary chain", "!~-x", op(ast.Not, op(ast.BitNot, op(ast.Neg, name("x"))))},
		{"binary minus then negate", "2 - -3", op(ast.Sub, num(2), op(ast.Neg, num(3)))},
		{"ternary", "1 ? 10 : 20", op(ast.Ternary, num(1), num(10), num(20))},
		{"nested ternary is right assoc", "a ? 1 : b ? 2 : 3",
			op(ast.Ternary, name("a"), num(1), op(ast.Ternary, name("b"), num(2), num(3)))},
		{"assignment", "x = 4", op(ast.Assign, name("x"), num(4))},
		{"chained assignment", "x = y = 2", op(ast.Assign, name("x"), op(ast.Assign, name("y"), num(2)))},
		{"call", "f(5)", op(ast.Call, name("f"), num(5))},
		{"call in expression", "f(x) + 1", op(ast.Add, op(ast.Call, name("f"), name("x")), num(1))},
		{"max literal wraps", "4294967295", num(-1)},
		{"definition with keyword", "fun sq(x) = x*x",
			&ast.Function{Name: "sq", Param: "x", Body: op(ast.Mul, name("x"), name("x"))}},
		{"definition without keyword", "f(x) = x*x",
			&ast.Function{Name: "f", Param: "x", Body: op(ast.Mul, name("x"), name("x"))}},
		{"factorial", "fact(x) = x<=1 ? 1 : x*fact(x-1)",
			&ast.Function{Name: "fact", Param: "x", Body: op(ast.Ternary,
				op(ast.Le, name("x"), num(1)),
				num(1),
				op(ast.Mul, name("x"), op(ast.Call, name("fact"), op(ast.Sub, name("x"), num(1)))))}},
		{"comment", "1 + 1 # two", op(ast.Add, num(1), num(1))},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := assertParseSuccess(t, test.input, test.name)
			if got == nil {
				return
			}
			if diff := pretty.Diff(got, test.want); len(diff) > 0 {
				t.Errorf("%s: tree mismatch:\n%s", test.input, diff)
			}
		})
	}
}

func TestBlankLine(t *testing.T) {
	for _, input := range []string{"", "   ", "# only a comment"} {
		node, err := Parse(input)
		if err != nil || node != nil {
			t.Errorf("Parse(%q) = %v, %v; want nil, nil", input, node, err)
		}
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"dangling operator", "1 +"},
		{"unclosed paren", "(1 + 2"},
		{"missing else", "1 ? 2"},
		{"assign to literal", "3 = 4"},
		{"trailing tokens", "1 2"},
		{"illegal character", "1 $ 2"},
		{"literal too large", "4294967296"},
		{"definition without body", "fun f(x) ="},
		{"definition without parameter", "fun f() = 1"},
		{"call with two arguments", "f(1 2)"},
		{"lone operator", "*"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assertParseError(t, test.input, test.name)
		})
	}
}

func TestSyntaxErrorColumn(t *testing.T) {
	_, err := Parse("1 + )")
	ce, ok := err.(*errors.CalcError)
	if !ok {
		t.Fatalf("want *errors.CalcError, got %T", err)
	}
	if ce.Location.Column != 5 {
		t.Errorf("column = %d, want 5", ce.Location.Column)
	}
	if ce.Source != "1 + )" {
		t.Errorf("source = %q", ce.Source)
	}
}

// internal/ast/ast.go
package ast

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is anything the parser can hand to the compiler: an Expr or a *Function.
type Node interface {
	node()
}

// Expr is the closed set of expression kinds: *Number, *Name and *Operator.
type Expr interface {
	Node
	expr()
	String() string
}

// Op is the operator tag of an *Operator node
type Op int

const (
	Add Op = iota
	Sub
	Mul
	Div
	Mod
	Or
	And
	Xor
	Lt
	Gt
	Eq
	Ne
	Le
	Ge
	Not
	BitNot
	Neg
	Ternary
	Assign
	Call
)

var opNames = [...]string{
	Add:     "+",
	Sub:     "-",
	Mul:     "*",
	Div:     "/",
	Mod:     "%",
	Or:      "|",
	And:     "&",
	Xor:     "^",
	Lt:      "<",
	Gt:      ">",
	Eq:      "==",
	Ne:      "!=",
	Le:      "<=",
	Ge:      ">=",
	Not:     "!",
	BitNot:  "~",
	Neg:     "neg",
	Ternary: "?:",
	Assign:  "=",
	Call:    "call",
}

func (op Op) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return "Op(" + strconv.Itoa(int(op)) + ")"
}

// Arity returns how many children an operator with this tag owns.
func (op Op) Arity() int {
	switch op {
	case Not, BitNot, Neg:
		return 1
	case Ternary:
		return 3
	case Add, Sub, Mul, Div, Mod, Or, And, Xor,
		Lt, Gt, Eq, Ne, Le, Ge, Assign, Call:
		return 2
	}
	return 0
}

// IsComparison reports whether the operator yields a boolean.
func (op Op) IsComparison() bool {
	switch op {
	case Lt, Gt, Eq, Ne, Le, Ge:
		return true
	}
	return false
}

// Number is an integer literal
type Number struct {
	Value int32
}

// Name references a variable, the formal parameter, or (as a call target) a function
type Name struct {
	Ident string
}

// Operator is a unary, binary, ternary, assignment or call node.
// Args always holds exactly Op.Arity() children; build it with NewOperator.
type Operator struct {
	Op   Op
	Args []Expr
}

// Function is a named single-parameter definition.
type Function struct {
	Name  string
	Param string
	Body  Expr
}

func (*Number) node()   {}
func (*Name) node()     {}
func (*Operator) node() {}
func (*Function) node() {}

func (*Number) expr()   {}
func (*Name) expr()     {}
func (*Operator) expr() {}

// NewOperator builds an operator node, enforcing the arity of op and the
// shape of assignment targets and call callees.
func NewOperator(op Op, args ...Expr) (*Operator, error) {
	want := op.Arity()
	if want == 0 {
		return nil, fmt.Errorf("unknown operator %v", op)
	}
	if len(args) != want {
		return nil, fmt.Errorf("operator %v takes %d operand(s), got %d", op, want, len(args))
	}
	for i, a := range args {
		if a == nil {
			return nil, fmt.Errorf("operator %v: operand %d is nil", op, i+1)
		}
	}
	switch op {
	case Assign:
		if _, ok := args[0].(*Name); !ok {
			return nil, fmt.Errorf("cannot assign to %s", args[0])
		}
	case Call:
		if _, ok := args[0].(*Name); !ok {
			return nil, fmt.Errorf("cannot call %s", args[0])
		}
	}
	return &Operator{Op: op, Args: args}, nil
}

// MustOperator is NewOperator for trees built in code; it panics on a shape error.
func MustOperator(op Op, args ...Expr) *Operator {
	o, err := NewOperator(op, args...)
	if err != nil {
		panic(err)
	}
	return o
}

// Target returns the assigned or called name of an Assign or Call node.
func (o *Operator) Target() string {
	if n, ok := o.Args[0].(*Name); ok {
		return n.Ident
	}
	return ""
}

func (n *Number) String() string { return strconv.FormatInt(int64(n.Value), 10) }

func (n *Name) String() string { return n.Ident }

func (o *Operator) String() string {
	var sb strings.Builder
	switch o.Op {
	case Not, BitNot:
		sb.WriteString(o.Op.String())
		sb.WriteString(o.Args[0].String())
	case Neg:
		sb.WriteString("-")
		sb.WriteString(o.Args[0].String())
	case Ternary:
		fmt.Fprintf(&sb, "(%s ? %s : %s)", o.Args[0], o.Args[1], o.Args[2])
	case Call:
		fmt.Fprintf(&sb, "%s(%s)", o.Args[0], o.Args[1])
	default:
		if len(o.Args) != 2 {
			return fmt.Sprintf("<bad %v>", o.Op)
		}
		fmt.Fprintf(&sb, "(%s %s %s)", o.Args[0], o.Op, o.Args[1])
	}
	return sb.String()
}

func (f *Function) String() string {
	return fmt.Sprintf("fun %s(%s) = %s", f.Name, f.Param, f.Body)
}

package ast

import "fmt"

// Walk visits e and its children in pre-order. Returning false from fn
// skips the children of that node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	if o, ok := e.(*Operator); ok {
		for _, a := range o.Args {
			Walk(a, fn)
		}
	}
}

// Validate checks the invariants the code generator relies on: every
// operator has exactly the children its tag requires and no node is
// reachable twice.
func Validate(e Expr) error {
	if e == nil {
		return fmt.Errorf("empty expression")
	}
	seen := make(map[Expr]bool)
	var err error
	Walk(e, func(n Expr) bool {
		if err != nil {
			return false
		}
		if seen[n] {
			err = fmt.Errorf("node %s is shared", n)
			return false
		}
		seen[n] = true
		switch n := n.(type) {
		case *Number:
		case *Name:
			if n.Ident == "" {
				err = fmt.Errorf("empty name")
			}
		case *Operator:
			// Re-run the constructor checks on the existing children.
			if _, cerr := NewOperator(n.Op, n.Args...); cerr != nil {
				err = cerr
			}
		default:
			err = fmt.Errorf("unexpected node %T", n)
		}
		return err == nil
	})
	return err
}

// ValidateFunction checks a definition and its body.
func ValidateFunction(f *Function) error {
	if f.Name == "" {
		return fmt.Errorf("function has no name")
	}
	if f.Param == "" {
		return fmt.Errorf("function %s has no parameter", f.Name)
	}
	return Validate(f.Body)
}

package codegen

import (
	"github.com/llir/llvm/ir"

	"calcjit/internal/cells"
)

// Unit is one translated function: an IR module holding a single function,
// plus the cells its external globals were bound to at translation time.
// A unit is compiled once, then owned by a function slot or thrown away.
type Unit struct {
	Name   string
	Param  string
	Module *ir.Module
	Func   *ir.Func

	// Vars and Entries map each external global of Module to the cell
	// handle captured when the global was declared.
	Vars    map[*ir.Global]*cells.Variable
	Entries map[*ir.Global]*cells.Entry
}

// HasParam reports whether the function takes an argument.
func (u *Unit) HasParam() bool {
	return u.Param != ""
}

// String renders the unit as textual LLVM IR.
func (u *Unit) String() string {
	return u.Module.String()
}

// Callees lists the functions this unit calls through entry cells.
func (u *Unit) Callees() []string {
	names := make([]string, 0, len(u.Entries))
	for _, e := range u.Entries {
		names = append(names, e.Name())
	}
	return names
}

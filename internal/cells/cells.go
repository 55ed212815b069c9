// Package cells holds the process-lifetime storage that compiled code
// reaches through: variable cells and function entry-pointer cells.
//
// Both kinds are allocated once per name and never moved, so a handle
// captured by generated code stays valid for the life of the engine.
// Reads and writes go through sync/atomic and are sequentially consistent:
// a Store is visible to every Load that happens after it, on any goroutine.
package cells

import "sync/atomic"

// Func is an invocable entry point: one int32 argument, one int32 result.
// Argument-less units ignore the argument.
type Func func(arg int32) int32

// Variable is a named, zero-initialized int32 cell.
type Variable struct {
	name string
	v    atomic.Int32
}

func NewVariable(name string) *Variable {
	return &Variable{name: name}
}

func (c *Variable) Name() string { return c.name }

func (c *Variable) Load() int32 { return c.v.Load() }

func (c *Variable) Store(v int32) { c.v.Store(v) }

// Entry is the indirect entry-pointer cell callers load before every call.
// A freshly created Entry is a placeholder: Load returns nil until the
// first Store.
type Entry struct {
	name string
	p    atomic.Pointer[Func]
}

func NewEntry(name string) *Entry {
	return &Entry{name: name}
}

// NewFixedEntry returns an entry that already points at fn.
func NewFixedEntry(name string, fn Func) *Entry {
	e := &Entry{name: name}
	e.Store(fn)
	return e
}

func (e *Entry) Name() string { return e.name }

// Load returns the current entry point, or nil for an unfilled placeholder.
func (e *Entry) Load() Func {
	if p := e.p.Load(); p != nil {
		return *p
	}
	return nil
}

// Store overwrites the entry point in place.
func (e *Entry) Store(fn Func) {
	if fn == nil {
		e.p.Store(nil)
		return
	}
	e.p.Store(&fn)
}

// Defined reports whether the cell has been filled.
func (e *Entry) Defined() bool {
	return e.p.Load() != nil
}

// Package jit is the execution engine: it owns the function and variable
// registries, compiles code units, installs definitions by overwriting
// entry cells in place, and runs one-shot expressions.
package jit

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"calcjit/internal/cells"
	"calcjit/internal/codegen"
	calcerrors "calcjit/internal/errors"
	"calcjit/internal/vmregister"
)

// DefaultMaxCallDepth bounds nested calls of compiled functions.
const DefaultMaxCallDepth = 10000

// ErrBuiltinRedefinition is the cause of the DefinitionError returned when
// a definition names a built-in function.
var ErrBuiltinRedefinition = stderrors.New("can't replace built-in function")

// Config controls the engine. The zero value is usable.
type Config struct {
	Optimize bool // run the IR optimizer before compiling
	PrintIR  bool // dump each unit's IR to IROut before compiling

	IROut        io.Writer // defaults to os.Stderr
	MaxCallDepth int       // 0 selects DefaultMaxCallDepth, negative disables the guard
	Logger       *logrus.Logger
}

// slot is the registry record of one function name. Its entry cell is
// created once and never replaced; only the cell's content changes.
type slot struct {
	entry   *cells.Entry
	builtin bool
	param   string
	unit    *vmregister.CompiledUnit
	defined time.Time
}

// FunctionInfo describes one registry entry.
type FunctionInfo struct {
	Name         string
	Param        string
	Builtin      bool
	Defined      bool
	Calls        uint64
	Instructions int
	Installs     uint32 // since the last ResetStats
	DefinedAt    time.Time
}

// Engine compiles and runs code units. All methods are safe for
// concurrent use.
type Engine struct {
	cfg      Config
	log      *logrus.Entry
	machine  *vmregister.Machine
	profiler *Profiler

	// execMu serializes compile+install and compile+run+teardown.
	execMu sync.Mutex

	mu    sync.RWMutex
	funcs map[string]*slot
	vars  map[string]*cells.Variable
}

// New returns an engine with the built-ins registered.
func New(cfg Config) *Engine {
	if cfg.IROut == nil {
		cfg.IROut = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(io.Discard)
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	depth := cfg.MaxCallDepth
	if depth == 0 {
		depth = DefaultMaxCallDepth
	} else if depth < 0 {
		depth = 0
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "jit"),
		machine:  vmregister.NewMachine(depth),
		profiler: NewProfiler(),
		funcs:    make(map[string]*slot),
		vars:     make(map[string]*cells.Variable),
	}
	for name, fn := range builtins {
		e.funcs[name] = &slot{
			entry:   cells.NewFixedEntry(name, fn),
			builtin: true,
			param:   "x",
		}
	}
	return e
}

// ResolveVariable returns the cell for name, creating a zero cell on
// first use. It never fails.
func (e *Engine) ResolveVariable(name string) *cells.Variable {
	e.mu.RLock()
	v, ok := e.vars[name]
	e.mu.RUnlock()
	if ok {
		return v
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vars[name]; ok {
		return v
	}
	v = cells.NewVariable(name)
	e.vars[name] = v
	return v
}

// ResolveFunctionEntryCell returns the entry cell for name. An unknown
// name gets a placeholder cell that a later definition fills in.
func (e *Engine) ResolveFunctionEntryCell(name string) *cells.Entry {
	return e.slot(name).entry
}

func (e *Engine) slot(name string) *slot {
	e.mu.RLock()
	s, ok := e.funcs[name]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.funcs[name]; ok {
		return s
	}
	s = &slot{entry: cells.NewEntry(name)}
	e.funcs[name] = s
	e.log.WithField("function", name).Debug("created placeholder entry")
	return s
}

// IsBuiltin reports whether name is one of the engine's native functions.
func (e *Engine) IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

// InstallFunction compiles u and makes it the implementation of name.
// Redefining a built-in is refused with a DefinitionError wrapping
// ErrBuiltinRedefinition and leaves every registry unchanged. Any other
// failure is a CompileError.
func (e *Engine) InstallFunction(name string, u *codegen.Unit) error {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	log := e.log.WithField("function", name)
	if e.IsBuiltin(name) {
		log.Warn("refused redefinition of built-in")
		return calcerrors.NewDefinitionError(ErrBuiltinRedefinition, "function %s", name)
	}
	if u == nil || u.Name != name {
		return calcerrors.NewCompileError(nil, "unit does not define %s", name)
	}

	cu, err := e.compile(u)
	if err != nil {
		return err
	}

	s := e.slot(name)
	e.mu.Lock()
	prev := s.unit
	s.unit = cu
	s.param = u.Param
	s.defined = time.Now()
	e.mu.Unlock()

	// Every existing caller holds this cell, so they see the new body on
	// their next call.
	s.entry.Store(cu.Entry())
	if prev != nil {
		prev.Unlink()
		e.profiler.RecordRedefinition()
		log.Info("redefined function")
	} else {
		log.Info("defined function")
	}
	e.profiler.RecordInstall(name)
	return nil
}

// EvaluateOnce compiles u, runs it once and discards the code. The
// registries keep no trace of u; assignments it makes to variables stay.
func (e *Engine) EvaluateOnce(u *codegen.Unit) (int32, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	if u == nil {
		return 0, calcerrors.NewCompileError(nil, "no unit to evaluate")
	}
	cu, err := e.compile(u)
	if err != nil {
		return 0, err
	}
	defer cu.Unlink()

	e.profiler.RecordEvaluation()
	return e.invoke(u.Name, true, cu.Entry(), 0)
}

// Call invokes a registered function through its entry cell.
func (e *Engine) Call(name string, arg int32) (int32, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	e.mu.RLock()
	s, ok := e.funcs[name]
	e.mu.RUnlock()
	if !ok || !s.entry.Defined() {
		return 0, calcerrors.NewRuntimeError(vmregister.ErrUndefinedFunction, "calling %s", name)
	}
	return e.invoke(name, false, s.entry.Load(), arg)
}

func (e *Engine) compile(u *codegen.Unit) (*vmregister.CompiledUnit, error) {
	start := time.Now()
	log := e.log.WithField("unit", u.Name)

	if e.cfg.Optimize {
		st := Optimize(u.Func)
		log.WithFields(logrus.Fields{
			"folded":   st.Folded,
			"branches": st.BranchesFolded,
			"phis":     st.PhisRemoved,
			"dead":     st.DeadRemoved,
			"blocks":   st.BlocksRemoved,
		}).Debug("optimized")
	}
	if e.cfg.PrintIR {
		fmt.Fprint(e.cfg.IROut, u.String())
	}

	cu, err := vmregister.Compile(u, e.machine)
	if err != nil {
		log.WithError(err).Error("compilation failed")
		return nil, calcerrors.NewCompileError(err, "compiling %s", u.Name)
	}

	elapsed := time.Since(start)
	n := len(cu.Proto().Code)
	e.profiler.RecordCompile(n, elapsed)
	log.WithFields(logrus.Fields{
		"instructions": n,
		"elapsed":      elapsed,
	}).Debug("compiled")
	return cu, nil
}

// invoke runs f and turns a trap raised inside it into a RuntimeError.
// One-shot units are reported as "expression"; their generated name only
// goes to the log.
func (e *Engine) invoke(name string, oneShot bool, f cells.Func, arg int32) (result int32, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		trap, ok := r.(*vmregister.Trap)
		if !ok {
			panic(r)
		}
		e.profiler.RecordTrap()
		e.log.WithField("unit", name).WithError(trap).Warn("runtime trap")

		what := name
		if oneShot {
			what = "expression"
			if trap.Func == name {
				trap = &vmregister.Trap{Err: trap.Err}
			}
		}
		err = calcerrors.NewRuntimeError(trap, "evaluating %s", what)
	}()
	return f(arg), nil
}

// Functions lists the registry sorted by name.
func (e *Engine) Functions() []FunctionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		names = append(names, name)
	}
	slices.Sort(names)

	infos := make([]FunctionInfo, 0, len(names))
	for _, name := range names {
		s := e.funcs[name]
		info := FunctionInfo{
			Name:      name,
			Param:     s.param,
			Builtin:   s.builtin,
			Defined:   s.entry.Defined(),
			DefinedAt: s.defined,
		}
		if s.unit != nil {
			info.Calls = s.unit.Calls()
			info.Instructions = len(s.unit.Proto().Code)
			info.Installs = e.profiler.Installs(name)
		}
		infos = append(infos, info)
	}
	return infos
}

// Variables snapshots every variable cell.
func (e *Engine) Variables() map[string]int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]int32, len(e.vars))
	for name, v := range e.vars {
		out[name] = v.Load()
	}
	return out
}

// ResetStats clears the profiler counters. Registry sizes and call counts
// are read live and are not affected.
func (e *Engine) ResetStats() {
	e.profiler.Reset()
}

// Stats returns the profiler counters together with registry sizes.
func (e *Engine) Stats() Stats {
	st := e.profiler.Snapshot()

	e.mu.RLock()
	defer e.mu.RUnlock()
	st.Variables = len(e.vars)
	for _, s := range e.funcs {
		switch {
		case s.builtin:
			st.Builtins++
		case s.entry.Defined():
			st.Functions++
			if s.unit != nil {
				st.TotalCalls += s.unit.Calls()
			}
		default:
			st.Placeholders++
		}
	}
	return st
}

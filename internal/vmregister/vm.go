package vmregister

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"calcjit/internal/cells"
	"calcjit/internal/codegen"
)

// Runtime faults. They are raised as *Trap panics from inside generated
// code and recovered by whoever invoked the entry point.
var (
	ErrDivisionByZero    = errors.New("division by zero")
	ErrUndefinedFunction = errors.New("call to undefined function")
	ErrCallDepth         = errors.New("maximum call depth exceeded")
	ErrUnlinked          = errors.New("call into discarded code")
)

// Trap is a runtime fault inside one function.
type Trap struct {
	Err  error
	Func string
}

func (t *Trap) Error() string {
	switch {
	case t.Func == "":
		return t.Err.Error()
	case t.Err == ErrUndefinedFunction:
		// Func is the callee here, not the running function.
		return fmt.Sprintf("%s %s", t.Err, t.Func)
	}
	return fmt.Sprintf("%s in %s", t.Err, t.Func)
}

func (t *Trap) Unwrap() error { return t.Err }

// Machine is the runtime shared by every unit compiled for one engine.
// Callers serialize executions; depth is not synchronized.
type Machine struct {
	// MaxDepth bounds nested compiled calls. Zero means unbounded.
	MaxDepth int

	depth int
}

func NewMachine(maxDepth int) *Machine {
	return &Machine{MaxDepth: maxDepth}
}

// Depth is the number of compiled frames currently active.
func (m *Machine) Depth() int { return m.depth }

// CompiledUnit is a linked, invocable unit.
type CompiledUnit struct {
	proto   *Proto
	machine *Machine
	entry   cells.Func

	linked atomic.Bool
	calls  atomic.Uint64
}

// Compile lowers u and links the result against m.
func Compile(u *codegen.Unit, m *Machine) (*CompiledUnit, error) {
	p, err := Lower(u)
	if err != nil {
		return nil, err
	}
	return Link(p, m), nil
}

// Link makes p invocable on m.
func Link(p *Proto, m *Machine) *CompiledUnit {
	cu := &CompiledUnit{proto: p, machine: m}
	cu.entry = cu.invoke
	cu.linked.Store(true)
	return cu
}

// Entry returns the unit's entry point. It stays the same value for the
// life of the unit, so it can be stored in an entry cell.
func (cu *CompiledUnit) Entry() cells.Func { return cu.entry }

// Unlink discards the unit. Any later call through its entry traps.
func (cu *CompiledUnit) Unlink() { cu.linked.Store(false) }

func (cu *CompiledUnit) Linked() bool { return cu.linked.Load() }

// Calls counts invocations of the entry point, recursive ones included.
func (cu *CompiledUnit) Calls() uint64 { return cu.calls.Load() }

func (cu *CompiledUnit) Proto() *Proto { return cu.proto }

func (cu *CompiledUnit) invoke(arg int32) int32 {
	if !cu.linked.Load() {
		panic(&Trap{Err: ErrUnlinked, Func: cu.proto.Name})
	}
	m := cu.machine
	if m.MaxDepth > 0 && m.depth >= m.MaxDepth {
		panic(&Trap{Err: ErrCallDepth, Func: cu.proto.Name})
	}
	m.depth++
	defer func() { m.depth-- }()
	cu.calls.Add(1)
	return cu.run(arg)
}

// run is the dispatch loop. Registers live in a fresh frame per call.
func (cu *CompiledUnit) run(arg int32) int32 {
	p := cu.proto
	code := p.Code
	consts := p.Consts
	regs := make([]int32, p.NumRegs)
	var fns []cells.Func
	if p.NumFnRegs > 0 {
		fns = make([]cells.Func, p.NumFnRegs)
	}
	if p.HasParam {
		regs[0] = arg
	}

	pc := 0
	for {
		instr := code[pc]
		pc++

		switch instr.OpCode() {

		// ====================================================================
		// Arithmetic Operations
		// ====================================================================

		case OP_ADD:
			regs[instr.A()] = regs[instr.B()] + regs[instr.C()]
		case OP_SUB:
			regs[instr.A()] = regs[instr.B()] - regs[instr.C()]
		case OP_MUL:
			regs[instr.A()] = regs[instr.B()] * regs[instr.C()]
		case OP_DIV:
			d := regs[instr.C()]
			if d == 0 {
				panic(&Trap{Err: ErrDivisionByZero, Func: p.Name})
			}
			// MinInt32 / -1 wraps to MinInt32 in Go.
			regs[instr.A()] = regs[instr.B()] / d
		case OP_MOD:
			d := regs[instr.C()]
			if d == 0 {
				panic(&Trap{Err: ErrDivisionByZero, Func: p.Name})
			}
			regs[instr.A()] = regs[instr.B()] % d

		// ====================================================================
		// Bitwise Operations
		// ====================================================================

		case OP_OR:
			regs[instr.A()] = regs[instr.B()] | regs[instr.C()]
		case OP_AND:
			regs[instr.A()] = regs[instr.B()] & regs[instr.C()]
		case OP_XOR:
			regs[instr.A()] = regs[instr.B()] ^ regs[instr.C()]

		// ====================================================================
		// Comparison Operations
		// ====================================================================

		case OP_EQ:
			regs[instr.A()] = boolToInt(regs[instr.B()] == regs[instr.C()])
		case OP_NEQ:
			regs[instr.A()] = boolToInt(regs[instr.B()] != regs[instr.C()])
		case OP_LT:
			regs[instr.A()] = boolToInt(regs[instr.B()] < regs[instr.C()])
		case OP_LE:
			regs[instr.A()] = boolToInt(regs[instr.B()] <= regs[instr.C()])
		case OP_GT:
			regs[instr.A()] = boolToInt(regs[instr.B()] > regs[instr.C()])
		case OP_GE:
			regs[instr.A()] = boolToInt(regs[instr.B()] >= regs[instr.C()])

		// ====================================================================
		// Memory and Cells
		// ====================================================================

		case OP_MOVE:
			regs[instr.A()] = regs[instr.B()]
		case OP_LOADK:
			regs[instr.A()] = consts[instr.Bx()]
		case OP_GETVAR:
			regs[instr.A()] = p.Vars[instr.Bx()].Load()
		case OP_SETVAR:
			p.Vars[instr.Bx()].Store(regs[instr.A()])
		case OP_GETENTRY:
			e := p.Entries[instr.Bx()]
			f := e.Load()
			if f == nil {
				f = undefined(e.Name())
			}
			fns[instr.A()] = f

		// ====================================================================
		// Calls and Control Flow
		// ====================================================================

		case OP_CALL:
			regs[instr.A()] = fns[instr.B()](regs[instr.C()])
		case OP_CALLSELF:
			regs[instr.A()] = cu.invoke(regs[instr.B()])
		case OP_RETURN:
			return regs[instr.A()]
		case OP_JMP:
			pc += int(instr.sBx())
		case OP_TEST:
			if regs[instr.A()] == 0 {
				pc += int(instr.sBx())
			}

		default:
			panic(fmt.Sprintf("vmregister: unknown opcode %d at pc %d in %s", instr.OpCode(), pc-1, p.Name))
		}
	}
}

// undefined is what a placeholder entry cell resolves to.
func undefined(name string) cells.Func {
	return func(int32) int32 {
		panic(&Trap{Err: ErrUndefinedFunction, Func: name})
	}
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Disassemble renders p one instruction per line.
func Disassemble(p *Proto) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; %s regs=%d fnregs=%d consts=%v\n", p.Name, p.NumRegs, p.NumFnRegs, p.Consts)
	for pc, instr := range p.Code {
		op := instr.OpCode()
		fmt.Fprintf(&sb, "%04d %-9s", pc, op)
		switch op {
		case OP_LOADK:
			fmt.Fprintf(&sb, "R%d K%d", instr.A(), instr.Bx())
		case OP_GETVAR, OP_SETVAR:
			fmt.Fprintf(&sb, "R%d %s", instr.A(), p.Vars[instr.Bx()].Name())
		case OP_GETENTRY:
			fmt.Fprintf(&sb, "F%d %s", instr.A(), p.Entries[instr.Bx()].Name())
		case OP_CALL:
			fmt.Fprintf(&sb, "R%d F%d R%d", instr.A(), instr.B(), instr.C())
		case OP_MOVE, OP_CALLSELF:
			fmt.Fprintf(&sb, "R%d R%d", instr.A(), instr.B())
		case OP_RETURN:
			fmt.Fprintf(&sb, "R%d", instr.A())
		case OP_JMP:
			fmt.Fprintf(&sb, "-> %04d", pc+1+int(instr.sBx()))
		case OP_TEST:
			fmt.Fprintf(&sb, "R%d -> %04d", instr.A(), pc+1+int(instr.sBx()))
		default:
			fmt.Fprintf(&sb, "R%d R%d R%d", instr.A(), instr.B(), instr.C())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

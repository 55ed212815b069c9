package vmregister

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"calcjit/internal/cells"
	"calcjit/internal/codegen"
)

// Proto is the executable form of one unit.
type Proto struct {
	Name     string
	HasParam bool // the argument arrives in R(0)

	Code    []Instruction
	Consts  []int32
	Vars    []*cells.Variable
	Entries []*cells.Entry

	NumRegs   int
	NumFnRegs int
}

var cmpOps = map[enum.IPred]OpCode{
	enum.IPredEQ:  OP_EQ,
	enum.IPredNE:  OP_NEQ,
	enum.IPredSLT: OP_LT,
	enum.IPredSLE: OP_LE,
	enum.IPredSGT: OP_GT,
	enum.IPredSGE: OP_GE,
}

type lowerer struct {
	u *codegen.Unit
	p *Proto

	regs   map[value.Value]uint16
	fnRegs map[value.Value]uint16
	blocks map[value.Value]int
	starts []int
	jumps  []jump

	consts  map[int32]uint32
	vars    map[*ir.Global]uint32
	entries map[*ir.Global]uint32
	cur     int
}

// jump is a JMP whose target block start is not known yet.
type jump struct {
	pc    int
	block int
}

// Lower translates the single function of u into register code. Every
// external global the function touches must be bound in u.Vars or
// u.Entries.
func Lower(u *codegen.Unit) (*Proto, error) {
	if u == nil || u.Func == nil {
		return nil, fmt.Errorf("lower: empty unit")
	}
	fn := u.Func
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("lower %s: function has no body", u.Name)
	}
	if !fn.Sig.RetType.Equal(types.I32) {
		return nil, fmt.Errorf("lower %s: return type %v, want i32", u.Name, fn.Sig.RetType)
	}
	if len(fn.Params) > 1 {
		return nil, fmt.Errorf("lower %s: %d parameters, want at most 1", u.Name, len(fn.Params))
	}
	if u.HasParam() != (len(fn.Params) == 1) {
		return nil, fmt.Errorf("lower %s: unit parameter %q does not match %d function parameters", u.Name, u.Param, len(fn.Params))
	}

	l := &lowerer{
		u:       u,
		p:       &Proto{Name: u.Name, HasParam: u.HasParam()},
		regs:    make(map[value.Value]uint16),
		fnRegs:  make(map[value.Value]uint16),
		blocks:  make(map[value.Value]int),
		consts:  make(map[int32]uint32),
		vars:    make(map[*ir.Global]uint32),
		entries: make(map[*ir.Global]uint32),
	}
	if err := l.allocate(); err != nil {
		return nil, err
	}
	for i, b := range fn.Blocks {
		l.cur = i
		l.starts = append(l.starts, len(l.p.Code))
		if err := l.block(b); err != nil {
			return nil, fmt.Errorf("lower %s: block %s: %w", u.Name, b.Name(), err)
		}
	}
	for _, j := range l.jumps {
		instr := l.p.Code[j.pc]
		l.p.Code[j.pc] = CreateAsBx(instr.OpCode(), instr.A(), int32(l.starts[j.block]-(j.pc+1)))
	}
	if l.p.NumRegs > MAXARG_A || l.p.NumFnRegs > MAXARG_A {
		return nil, fmt.Errorf("lower %s: too many registers", u.Name)
	}
	return l.p, nil
}

// allocate gives every parameter and value-producing instruction its own
// register, so operands defined in any block can be referenced.
func (l *lowerer) allocate() error {
	fn := l.u.Func
	if l.p.HasParam {
		param := fn.Params[0]
		if !param.Typ.Equal(types.I32) {
			return fmt.Errorf("lower %s: parameter type %v, want i32", l.u.Name, param.Typ)
		}
		l.regs[param] = l.newReg()
	}
	for i, b := range fn.Blocks {
		l.blocks[b] = i
		if b.Term == nil {
			return fmt.Errorf("lower %s: block %s has no terminator", l.u.Name, b.Name())
		}
		seenNonPhi := false
		for _, inst := range b.Insts {
			if _, ok := inst.(*ir.InstPhi); ok {
				if seenNonPhi {
					return fmt.Errorf("lower %s: phi after non-phi in block %s", l.u.Name, b.Name())
				}
			} else {
				seenNonPhi = true
			}
			v, ok := inst.(value.Value)
			if !ok {
				continue
			}
			switch t := v.Type(); {
			case t.Equal(codegen.FuncPtrType):
				l.fnRegs[v] = uint16(l.p.NumFnRegs)
				l.p.NumFnRegs++
			case t.Equal(types.I32), t.Equal(types.I1):
				l.regs[v] = l.newReg()
			case t.Equal(types.Void):
			default:
				return fmt.Errorf("lower %s: unsupported value type %v", l.u.Name, t)
			}
		}
	}
	return nil
}

func (l *lowerer) newReg() uint16 {
	r := uint16(l.p.NumRegs)
	l.p.NumRegs++
	return r
}

func (l *lowerer) emit(i Instruction) int {
	l.p.Code = append(l.p.Code, i)
	return len(l.p.Code) - 1
}

func (l *lowerer) block(b *ir.Block) error {
	for _, inst := range b.Insts {
		if err := l.inst(inst); err != nil {
			return err
		}
	}
	return l.term(b, b.Term)
}

func (l *lowerer) inst(inst ir.Instruction) error {
	switch inst := inst.(type) {
	case *ir.InstAdd:
		return l.binary(OP_ADD, inst, inst.X, inst.Y)
	case *ir.InstSub:
		return l.binary(OP_SUB, inst, inst.X, inst.Y)
	case *ir.InstMul:
		return l.binary(OP_MUL, inst, inst.X, inst.Y)
	case *ir.InstSDiv:
		return l.binary(OP_DIV, inst, inst.X, inst.Y)
	case *ir.InstSRem:
		return l.binary(OP_MOD, inst, inst.X, inst.Y)
	case *ir.InstOr:
		return l.binary(OP_OR, inst, inst.X, inst.Y)
	case *ir.InstAnd:
		return l.binary(OP_AND, inst, inst.X, inst.Y)
	case *ir.InstXor:
		return l.binary(OP_XOR, inst, inst.X, inst.Y)
	case *ir.InstICmp:
		op, ok := cmpOps[inst.Pred]
		if !ok {
			return fmt.Errorf("unsupported predicate %v", inst.Pred)
		}
		return l.binary(op, inst, inst.X, inst.Y)
	case *ir.InstZExt:
		// Booleans are already 0 or 1 in a register.
		src, err := l.operand(inst.From)
		if err != nil {
			return err
		}
		l.emit(CreateABC(OP_MOVE, l.regs[inst], src, 0))
		return nil
	case *ir.InstLoad:
		return l.load(inst)
	case *ir.InstStore:
		glob, ok := inst.Dst.(*ir.Global)
		if !ok {
			return fmt.Errorf("store to non-global %v", inst.Dst.Ident())
		}
		idx, err := l.varIndex(glob)
		if err != nil {
			return err
		}
		src, err := l.operand(inst.Src)
		if err != nil {
			return err
		}
		l.emit(CreateABx(OP_SETVAR, src, idx))
		return nil
	case *ir.InstCall:
		return l.call(inst)
	case *ir.InstPhi:
		// Filled by moves on the incoming edges.
		for _, inc := range inst.Incs {
			if !inc.X.Type().Equal(inst.Type()) {
				return fmt.Errorf("phi %s: incoming %v has type %v", inst.Ident(), inc.X.Ident(), inc.X.Type())
			}
			if _, ok := l.blocks[inc.Pred]; !ok {
				return fmt.Errorf("phi %s: unknown predecessor", inst.Ident())
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported instruction %T", inst)
}

func (l *lowerer) binary(op OpCode, dst value.Value, x, y value.Value) error {
	if !x.Type().Equal(y.Type()) {
		return fmt.Errorf("%s: operand types %v and %v differ", op, x.Type(), y.Type())
	}
	b, err := l.operand(x)
	if err != nil {
		return err
	}
	c, err := l.operand(y)
	if err != nil {
		return err
	}
	l.emit(CreateABC(op, l.regs[dst], b, c))
	return nil
}

func (l *lowerer) load(inst *ir.InstLoad) error {
	glob, ok := inst.Src.(*ir.Global)
	if !ok {
		return fmt.Errorf("load from non-global %v", inst.Src.Ident())
	}
	if _, ok := l.u.Entries[glob]; ok {
		idx, err := l.entryIndex(glob)
		if err != nil {
			return err
		}
		l.emit(CreateABx(OP_GETENTRY, l.fnRegs[inst], idx))
		return nil
	}
	idx, err := l.varIndex(glob)
	if err != nil {
		return err
	}
	l.emit(CreateABx(OP_GETVAR, l.regs[inst], idx))
	return nil
}

func (l *lowerer) call(inst *ir.InstCall) error {
	var arg uint16
	switch len(inst.Args) {
	case 0:
		// Argument-less callee; pass a zeroed register.
		arg = l.temp()
		l.emit(CreateABx(OP_LOADK, arg, l.constIndex(0)))
	case 1:
		r, err := l.operand(inst.Args[0])
		if err != nil {
			return err
		}
		arg = r
	default:
		return fmt.Errorf("call with %d arguments", len(inst.Args))
	}
	dst := l.regs[inst]
	if callee, ok := inst.Callee.(*ir.Func); ok && callee == l.u.Func {
		l.emit(CreateABC(OP_CALLSELF, dst, arg, 0))
		return nil
	}
	fr, ok := l.fnRegs[inst.Callee]
	if !ok {
		return fmt.Errorf("call through %v: callee must be a loaded entry", inst.Callee.Ident())
	}
	l.emit(CreateABC(OP_CALL, dst, fr, arg))
	return nil
}

func (l *lowerer) term(b *ir.Block, term ir.Terminator) error {
	switch t := term.(type) {
	case *ir.TermRet:
		if t.X == nil || !t.X.Type().Equal(types.I32) {
			return fmt.Errorf("ret must return i32")
		}
		r, err := l.operand(t.X)
		if err != nil {
			return err
		}
		l.emit(CreateABC(OP_RETURN, r, 0, 0))
		return nil
	case *ir.TermBr:
		return l.edge(b, t.Target, true)
	case *ir.TermCondBr:
		if !t.Cond.Type().Equal(types.I1) {
			return fmt.Errorf("branch condition has type %v", t.Cond.Type())
		}
		cond, err := l.operand(t.Cond)
		if err != nil {
			return err
		}
		test := l.emit(CreateAsBx(OP_TEST, cond, 0))
		if err := l.edge(b, t.TargetTrue, false); err != nil {
			return err
		}
		l.p.Code[test] = CreateAsBx(OP_TEST, cond, int32(len(l.p.Code)-(test+1)))
		return l.edge(b, t.TargetFalse, true)
	}
	return fmt.Errorf("unsupported terminator %T", term)
}

// edge moves the incoming values into the target's phi registers, then
// jumps. Phis are copied through temporaries so one phi reading another
// sees the old value. The jump is dropped when last is set and the target
// is the next block in layout order.
func (l *lowerer) edge(from *ir.Block, to value.Value, last bool) error {
	idx, ok := l.blocks[to]
	if !ok {
		return fmt.Errorf("branch to unknown block %v", to.Ident())
	}
	target := l.u.Func.Blocks[idx]

	type move struct {
		dst uint16
		src value.Value
	}
	var moves []move
	for _, inst := range target.Insts {
		phi, ok := inst.(*ir.InstPhi)
		if !ok {
			break
		}
		var src value.Value
		for _, inc := range phi.Incs {
			if pred, ok := l.blocks[inc.Pred]; ok && pred == l.cur {
				src = inc.X
				break
			}
		}
		if src == nil {
			return fmt.Errorf("phi %s has no value for predecessor %s", phi.Ident(), from.Name())
		}
		moves = append(moves, move{dst: l.regs[phi], src: src})
	}

	if len(moves) == 1 {
		if err := l.moveInto(moves[0].dst, moves[0].src); err != nil {
			return err
		}
	} else if len(moves) > 1 {
		temps := make([]uint16, len(moves))
		for i, m := range moves {
			temps[i] = l.temp()
			if err := l.moveInto(temps[i], m.src); err != nil {
				return err
			}
		}
		for i, m := range moves {
			l.emit(CreateABC(OP_MOVE, m.dst, temps[i], 0))
		}
	}

	if last && idx == l.cur+1 {
		return nil
	}
	pc := l.emit(CreateAsBx(OP_JMP, 0, 0))
	l.jumps = append(l.jumps, jump{pc: pc, block: idx})
	return nil
}

func (l *lowerer) moveInto(dst uint16, src value.Value) error {
	if c, ok := src.(*constant.Int); ok {
		l.emit(CreateABx(OP_LOADK, dst, l.constIndex(int32(c.X.Int64()))))
		return nil
	}
	r, err := l.operand(src)
	if err != nil {
		return err
	}
	l.emit(CreateABC(OP_MOVE, dst, r, 0))
	return nil
}

// operand returns the register holding v, loading constants into a fresh
// temporary.
func (l *lowerer) operand(v value.Value) (uint16, error) {
	switch v := v.(type) {
	case *constant.Int:
		r := l.temp()
		l.emit(CreateABx(OP_LOADK, r, l.constIndex(int32(v.X.Int64()))))
		return r, nil
	}
	if r, ok := l.regs[v]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("use of undefined value %v", v.Ident())
}

func (l *lowerer) temp() uint16 {
	return l.newReg()
}

func (l *lowerer) constIndex(k int32) uint32 {
	if idx, ok := l.consts[k]; ok {
		return idx
	}
	idx := uint32(len(l.p.Consts))
	l.p.Consts = append(l.p.Consts, k)
	l.consts[k] = idx
	return idx
}

func (l *lowerer) varIndex(glob *ir.Global) (uint32, error) {
	if idx, ok := l.vars[glob]; ok {
		return idx, nil
	}
	cell, ok := l.u.Vars[glob]
	if !ok {
		return 0, fmt.Errorf("global %s is not bound to a variable", glob.Name())
	}
	if !glob.ContentType.Equal(types.I32) {
		return 0, fmt.Errorf("variable %s has type %v", glob.Name(), glob.ContentType)
	}
	idx := uint32(len(l.p.Vars))
	l.p.Vars = append(l.p.Vars, cell)
	l.vars[glob] = idx
	return idx, nil
}

func (l *lowerer) entryIndex(glob *ir.Global) (uint32, error) {
	if idx, ok := l.entries[glob]; ok {
		return idx, nil
	}
	cell := l.u.Entries[glob]
	idx := uint32(len(l.p.Entries))
	l.p.Entries = append(l.p.Entries, cell)
	l.entries[glob] = idx
	return idx, nil
}

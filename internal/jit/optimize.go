package jit

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// OptStats counts what one Optimize run changed.
type OptStats struct {
	Folded         int
	BranchesFolded int
	PhisRemoved    int
	DeadRemoved    int
	BlocksRemoved  int
}

func (s OptStats) Changed() bool {
	return s != OptStats{}
}

// Optimize rewrites fn in place until no pass makes progress. Passes only
// remove work whose result is known at compile time; anything that may
// trap at run time (a division by zero, a call) is kept.
func Optimize(fn *ir.Func) OptStats {
	var total OptStats
	for {
		var s OptStats
		s.Folded = foldConstants(fn)
		s.BranchesFolded = foldBranches(fn)
		s.BlocksRemoved = removeUnreachable(fn)
		s.PhisRemoved = simplifyPhis(fn)
		s.DeadRemoved = removeDead(fn)
		if !s.Changed() {
			return total
		}
		total.Folded += s.Folded
		total.BranchesFolded += s.BranchesFolded
		total.BlocksRemoved += s.BlocksRemoved
		total.PhisRemoved += s.PhisRemoved
		total.DeadRemoved += s.DeadRemoved
	}
}

// operandRefs lists the operand slots of an instruction or terminator.
func operandRefs(v interface{}) []*value.Value {
	switch i := v.(type) {
	case *ir.InstAdd:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstSub:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstMul:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstSDiv:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstSRem:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstOr:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstAnd:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstXor:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstICmp:
		return []*value.Value{&i.X, &i.Y}
	case *ir.InstZExt:
		return []*value.Value{&i.From}
	case *ir.InstLoad:
		return []*value.Value{&i.Src}
	case *ir.InstStore:
		return []*value.Value{&i.Src, &i.Dst}
	case *ir.InstCall:
		refs := []*value.Value{&i.Callee}
		for k := range i.Args {
			refs = append(refs, &i.Args[k])
		}
		return refs
	case *ir.InstPhi:
		refs := make([]*value.Value, 0, len(i.Incs))
		for _, inc := range i.Incs {
			refs = append(refs, &inc.X)
		}
		return refs
	case *ir.TermRet:
		if i.X != nil {
			return []*value.Value{&i.X}
		}
	case *ir.TermCondBr:
		return []*value.Value{&i.Cond}
	}
	return nil
}

// replaceUses rewrites every operand found in repl, following chains.
func replaceUses(fn *ir.Func, repl map[value.Value]value.Value) {
	if len(repl) == 0 {
		return
	}
	resolve := func(v value.Value) value.Value {
		for {
			r, ok := repl[v]
			if !ok {
				return v
			}
			v = r
		}
	}
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			for _, ref := range operandRefs(inst) {
				*ref = resolve(*ref)
			}
		}
		for _, ref := range operandRefs(b.Term) {
			*ref = resolve(*ref)
		}
	}
}

func removeInsts(fn *ir.Func, dead map[value.Value]bool) {
	if len(dead) == 0 {
		return
	}
	for _, b := range fn.Blocks {
		kept := b.Insts[:0]
		for _, inst := range b.Insts {
			if v, ok := inst.(value.Value); ok && dead[v] {
				continue
			}
			kept = append(kept, inst)
		}
		b.Insts = kept
	}
}

func intConst(v value.Value) (int32, bool) {
	c, ok := v.(*constant.Int)
	if !ok {
		return 0, false
	}
	return int32(c.X.Int64()), true
}

// makeConst builds a constant of typ holding r.
func makeConst(typ types.Type, r int32) *constant.Int {
	if typ.Equal(types.I1) {
		return constant.NewBool(r&1 != 0)
	}
	return constant.NewInt(types.I32, int64(r))
}

func foldConstants(fn *ir.Func) int {
	repl := make(map[value.Value]value.Value)
	dead := make(map[value.Value]bool)
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			v, ok := inst.(value.Value)
			if !ok {
				continue
			}
			c, ok := fold(inst)
			if !ok {
				continue
			}
			repl[v] = makeConst(v.Type(), c)
			dead[v] = true
		}
	}
	replaceUses(fn, repl)
	removeInsts(fn, dead)
	return len(dead)
}

func fold(inst ir.Instruction) (int32, bool) {
	switch i := inst.(type) {
	case *ir.InstZExt:
		return intConst(i.From)
	case *ir.InstICmp:
		x, okx := intConst(i.X)
		y, oky := intConst(i.Y)
		if !okx || !oky {
			return 0, false
		}
		return compare(i.Pred, x, y)
	}

	refs := operandRefs(inst)
	if len(refs) != 2 {
		return 0, false
	}
	x, okx := intConst(*refs[0])
	y, oky := intConst(*refs[1])
	if !okx || !oky {
		return 0, false
	}
	switch inst.(type) {
	case *ir.InstAdd:
		return x + y, true
	case *ir.InstSub:
		return x - y, true
	case *ir.InstMul:
		return x * y, true
	case *ir.InstSDiv:
		if y == 0 {
			return 0, false
		}
		return x / y, true
	case *ir.InstSRem:
		if y == 0 {
			return 0, false
		}
		return x % y, true
	case *ir.InstOr:
		return x | y, true
	case *ir.InstAnd:
		return x & y, true
	case *ir.InstXor:
		return x ^ y, true
	}
	return 0, false
}

func compare(pred enum.IPred, x, y int32) (int32, bool) {
	var r bool
	switch pred {
	case enum.IPredEQ:
		r = x == y
	case enum.IPredNE:
		r = x != y
	case enum.IPredSLT:
		r = x < y
	case enum.IPredSLE:
		r = x <= y
	case enum.IPredSGT:
		r = x > y
	case enum.IPredSGE:
		r = x >= y
	default:
		return 0, false
	}
	if r {
		return 1, true
	}
	return 0, true
}

func asBlock(v value.Value) *ir.Block {
	b, _ := v.(*ir.Block)
	return b
}

// foldBranches turns conditional branches on a constant into plain
// branches and drops this block from the phis of the target not taken.
func foldBranches(fn *ir.Func) int {
	n := 0
	for _, b := range fn.Blocks {
		br, ok := b.Term.(*ir.TermCondBr)
		if !ok {
			continue
		}
		c, ok := intConst(br.Cond)
		if !ok {
			continue
		}
		var tv, fv value.Value = br.TargetTrue, br.TargetFalse
		taken, dropped := asBlock(tv), asBlock(fv)
		if c == 0 {
			taken, dropped = dropped, taken
		}
		if taken == nil || dropped == nil {
			continue
		}
		b.Term = ir.NewBr(taken)
		if dropped != taken {
			removeIncoming(dropped, b)
		}
		n++
	}
	return n
}

func removeIncoming(target, pred *ir.Block) {
	for _, inst := range target.Insts {
		phi, ok := inst.(*ir.InstPhi)
		if !ok {
			return
		}
		kept := phi.Incs[:0]
		for _, inc := range phi.Incs {
			if asBlock(inc.Pred) == pred {
				continue
			}
			kept = append(kept, inc)
		}
		phi.Incs = kept
	}
}

func successors(b *ir.Block) []*ir.Block {
	switch t := b.Term.(type) {
	case *ir.TermBr:
		return []*ir.Block{asBlock(t.Target)}
	case *ir.TermCondBr:
		return []*ir.Block{asBlock(t.TargetTrue), asBlock(t.TargetFalse)}
	}
	return nil
}

func removeUnreachable(fn *ir.Func) int {
	if len(fn.Blocks) == 0 {
		return 0
	}
	seen := map[*ir.Block]bool{fn.Blocks[0]: true}
	work := []*ir.Block{fn.Blocks[0]}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		for _, s := range successors(b) {
			if s != nil && !seen[s] {
				seen[s] = true
				work = append(work, s)
			}
		}
	}
	if len(seen) == len(fn.Blocks) {
		return 0
	}

	kept := fn.Blocks[:0]
	removed := 0
	for _, b := range fn.Blocks {
		if seen[b] {
			kept = append(kept, b)
			continue
		}
		removed++
	}
	fn.Blocks = kept
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			phi, ok := inst.(*ir.InstPhi)
			if !ok {
				break
			}
			incs := phi.Incs[:0]
			for _, inc := range phi.Incs {
				if seen[asBlock(inc.Pred)] {
					incs = append(incs, inc)
				}
			}
			phi.Incs = incs
		}
	}
	return removed
}

// simplifyPhis replaces phis whose incoming values are all the same.
func simplifyPhis(fn *ir.Func) int {
	repl := make(map[value.Value]value.Value)
	dead := make(map[value.Value]bool)
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			phi, ok := inst.(*ir.InstPhi)
			if !ok {
				break
			}
			if len(phi.Incs) == 0 {
				continue
			}
			first := phi.Incs[0].X
			same := true
			for _, inc := range phi.Incs[1:] {
				if !sameValue(inc.X, first) {
					same = false
					break
				}
			}
			if same {
				repl[phi] = first
				dead[phi] = true
			}
		}
	}
	replaceUses(fn, repl)
	removeInsts(fn, dead)
	return len(dead)
}

func sameValue(a, b value.Value) bool {
	if a == b {
		return true
	}
	x, okx := a.(*constant.Int)
	y, oky := b.(*constant.Int)
	return okx && oky && x.Typ.Equal(y.Typ) && x.X.Cmp(y.X) == 0
}

// removeDead deletes unused instructions that cannot have an effect.
func removeDead(fn *ir.Func) int {
	removed := 0
	for {
		uses := make(map[value.Value]int)
		for _, b := range fn.Blocks {
			for _, inst := range b.Insts {
				for _, ref := range operandRefs(inst) {
					uses[*ref]++
				}
			}
			for _, ref := range operandRefs(b.Term) {
				uses[*ref]++
			}
		}
		dead := make(map[value.Value]bool)
		for _, b := range fn.Blocks {
			for _, inst := range b.Insts {
				v, ok := inst.(value.Value)
				if !ok || uses[v] > 0 || !removable(inst) {
					continue
				}
				dead[v] = true
			}
		}
		if len(dead) == 0 {
			return removed
		}
		removeInsts(fn, dead)
		removed += len(dead)
	}
}

func removable(inst ir.Instruction) bool {
	switch i := inst.(type) {
	case *ir.InstStore, *ir.InstCall:
		return false
	case *ir.InstSDiv:
		d, ok := intConst(i.Y)
		return ok && d != 0
	case *ir.InstSRem:
		d, ok := intConst(i.Y)
		return ok && d != 0
	}
	return true
}

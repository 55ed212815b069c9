// internal/codegen/codegen.go
package codegen

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"calcjit/internal/ast"
	"calcjit/internal/cells"
)

var (
	// FuncType is the signature of every calculator function: i32 (i32).
	FuncType = types.NewFunc(types.I32, types.I32)
	// FuncPtrType is the content type of an entry-pointer global.
	FuncPtrType = types.NewPointer(FuncType)

	zero = constant.NewInt(types.I32, 0)
	ones = constant.NewInt(types.I32, -1)
)

// Global name prefixes for the external cells a unit is linked against.
const (
	VarPrefix   = "var."
	EntryPrefix = "fn."
)

var binaryInsts = map[ast.Op]func(b *ir.Block, x, y value.Value) value.Value{
	ast.Add: func(b *ir.Block, x, y value.Value) value.Value { return b.NewAdd(x, y) },
	ast.Sub: func(b *ir.Block, x, y value.Value) value.Value { return b.NewSub(x, y) },
	ast.Mul: func(b *ir.Block, x, y value.Value) value.Value { return b.NewMul(x, y) },
	ast.Div: func(b *ir.Block, x, y value.Value) value.Value { return b.NewSDiv(x, y) },
	ast.Mod: func(b *ir.Block, x, y value.Value) value.Value { return b.NewSRem(x, y) },
	ast.Or:  func(b *ir.Block, x, y value.Value) value.Value { return b.NewOr(x, y) },
	ast.And: func(b *ir.Block, x, y value.Value) value.Value { return b.NewAnd(x, y) },
	ast.Xor: func(b *ir.Block, x, y value.Value) value.Value { return b.NewXor(x, y) },
}

var comparePreds = map[ast.Op]enum.IPred{
	ast.Lt: enum.IPredSLT,
	ast.Gt: enum.IPredSGT,
	ast.Eq: enum.IPredEQ,
	ast.Ne: enum.IPredNE,
	ast.Le: enum.IPredSLE,
	ast.Ge: enum.IPredSGE,
}

// Resolver hands out the cells generated code is bound to. The execution
// engine implements it with get-or-create semantics.
type Resolver interface {
	ResolveVariable(name string) *cells.Variable
	ResolveFunctionEntryCell(name string) *cells.Entry
}

type generator struct {
	resolver Resolver
	unit     *Unit
	block    *ir.Block
	param    *ir.Param
	vars     map[string]*ir.Global
	entries  map[string]*ir.Global
	labels   int
}

// Translate lowers body into a unit holding one function named name. With
// a non-empty param the function takes one i32 argument; otherwise none.
// The function always returns i32.
func Translate(r Resolver, name, param string, body ast.Expr) (*Unit, error) {
	if name == "" {
		return nil, fmt.Errorf("codegen: unit has no name")
	}
	if err := ast.Validate(body); err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}

	m := ir.NewModule()
	var params []*ir.Param
	var p *ir.Param
	if param != "" {
		p = ir.NewParam(param, types.I32)
		params = append(params, p)
	}
	fn := m.NewFunc(name, types.I32, params...)

	g := &generator{
		resolver: r,
		unit: &Unit{
			Name:    name,
			Param:   param,
			Module:  m,
			Func:    fn,
			Vars:    make(map[*ir.Global]*cells.Variable),
			Entries: make(map[*ir.Global]*cells.Entry),
		},
		param:   p,
		vars:    make(map[string]*ir.Global),
		entries: make(map[string]*ir.Global),
	}
	// Labels carry a dot so they can never collide with a parameter name.
	g.block = fn.NewBlock("entry.0")

	v, err := g.translate(body)
	if err != nil {
		return nil, err
	}
	// A comparison at the top produces i1; the function returns i32.
	g.block.NewRet(g.toInt(v))
	return g.unit, nil
}

// TranslateFunction lowers a definition.
func TranslateFunction(r Resolver, f *ast.Function) (*Unit, error) {
	if err := ast.ValidateFunction(f); err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}
	return Translate(r, f.Name, f.Param, f.Body)
}

func (g *generator) translate(e ast.Expr) (value.Value, error) {
	switch e := e.(type) {
	case *ast.Number:
		return constant.NewInt(types.I32, int64(e.Value)), nil
	case *ast.Name:
		return g.doName(e), nil
	case *ast.Operator:
		if e.Op.IsComparison() {
			return g.doCmp(e)
		}
		switch e.Op {
		case ast.Add, ast.Sub, ast.Mul, ast.Div, ast.Mod, ast.Or, ast.And, ast.Xor:
			return g.doBinary(e)
		case ast.Not, ast.BitNot, ast.Neg:
			return g.doUnary(e)
		case ast.Ternary:
			return g.doTernary(e)
		case ast.Assign:
			return g.doAssign(e)
		case ast.Call:
			return g.doCall(e)
		}
		return nil, fmt.Errorf("codegen: unhandled operator %v", e.Op)
	}
	return nil, fmt.Errorf("codegen: unhandled node %T", e)
}

func (g *generator) doName(n *ast.Name) value.Value {
	// The formal parameter is used directly, no memory access.
	if g.param != nil && n.Ident == g.unit.Param {
		return g.param
	}
	return g.block.NewLoad(types.I32, g.varGlobal(n.Ident))
}

func (g *generator) doBinary(e *ast.Operator) (value.Value, error) {
	x, y, err := g.operands(e)
	if err != nil {
		return nil, err
	}
	return binaryInsts[e.Op](g.block, x, y), nil
}

func (g *generator) doCmp(e *ast.Operator) (value.Value, error) {
	x, y, err := g.operands(e)
	if err != nil {
		return nil, err
	}
	// The result is i1.
	return g.block.NewICmp(comparePreds[e.Op], x, y), nil
}

func (g *generator) operands(e *ast.Operator) (value.Value, value.Value, error) {
	x, err := g.translate(e.Args[0])
	if err != nil {
		return nil, nil, err
	}
	x = g.toInt(x)
	y, err := g.translate(e.Args[1])
	if err != nil {
		return nil, nil, err
	}
	return x, g.toInt(y), nil
}

func (g *generator) doUnary(e *ast.Operator) (value.Value, error) {
	x, err := g.translate(e.Args[0])
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case ast.Not:
		if isBool(x) {
			return g.block.NewXor(x, constant.True), nil
		}
		return g.block.NewICmp(enum.IPredEQ, x, zero), nil
	case ast.BitNot:
		return g.block.NewXor(g.toInt(x), ones), nil
	default: // ast.Neg
		return g.block.NewSub(zero, g.toInt(x)), nil
	}
}

func (g *generator) doTernary(e *ast.Operator) (value.Value, error) {
	// ?: needs three new blocks: one per branch and one where control
	// flow merges back together.
	cond, err := g.translate(e.Args[0])
	if err != nil {
		return nil, err
	}
	cond = g.toBool(cond)

	g.labels++
	fn := g.unit.Func
	bbTrue := fn.NewBlock(fmt.Sprintf("then.%d", g.labels))
	bbFalse := fn.NewBlock(fmt.Sprintf("else.%d", g.labels))
	bbMerge := fn.NewBlock(fmt.Sprintf("merge.%d", g.labels))
	g.block.NewCondBr(cond, bbTrue, bbFalse)

	g.block = bbTrue
	ifTrue, err := g.translate(e.Args[1])
	if err != nil {
		return nil, err
	}
	endTrue := g.block

	g.block = bbFalse
	ifFalse, err := g.translate(e.Args[2])
	if err != nil {
		return nil, err
	}
	endFalse := g.block

	// The phi takes its type from the branches. When one branch is a
	// comparison and the other an integer, both are widened to i32 in
	// their own block before the jump to the merge point.
	if !ifTrue.Type().Equal(ifFalse.Type()) {
		g.block = endTrue
		ifTrue = g.toInt(ifTrue)
		g.block = endFalse
		ifFalse = g.toInt(ifFalse)
	}
	endTrue.NewBr(bbMerge)
	endFalse.NewBr(bbMerge)

	g.block = bbMerge
	return bbMerge.NewPhi(ir.NewIncoming(ifTrue, endTrue), ir.NewIncoming(ifFalse, endFalse)), nil
}

func (g *generator) doAssign(e *ast.Operator) (value.Value, error) {
	rhs, err := g.translate(e.Args[1])
	if err != nil {
		return nil, err
	}
	rhs = g.toInt(rhs)
	g.block.NewStore(rhs, g.varGlobal(e.Target()))
	// The value of the assignment is the value just stored.
	return rhs, nil
}

func (g *generator) doCall(e *ast.Operator) (value.Value, error) {
	arg, err := g.translate(e.Args[1])
	if err != nil {
		return nil, err
	}
	arg = g.toInt(arg)

	callee := e.Target()
	if callee == g.unit.Name {
		// Recursion binds directly to the function being built.
		return g.block.NewCall(g.unit.Func, arg), nil
	}
	// Everything else goes through the callee's entry cell so a later
	// redefinition is picked up without recompiling this caller.
	ptr := g.block.NewLoad(FuncPtrType, g.entryGlobal(callee))
	return g.block.NewCall(ptr, arg), nil
}

func (g *generator) varGlobal(name string) *ir.Global {
	if glob, ok := g.vars[name]; ok {
		return glob
	}
	cell := g.resolver.ResolveVariable(name)
	glob := g.unit.Module.NewGlobal(VarPrefix+name, types.I32)
	g.vars[name] = glob
	g.unit.Vars[glob] = cell
	return glob
}

func (g *generator) entryGlobal(name string) *ir.Global {
	if glob, ok := g.entries[name]; ok {
		return glob
	}
	cell := g.resolver.ResolveFunctionEntryCell(name)
	glob := g.unit.Module.NewGlobal(EntryPrefix+name, FuncPtrType)
	g.entries[name] = glob
	g.unit.Entries[glob] = cell
	return glob
}

func (g *generator) toInt(v value.Value) value.Value {
	if isBool(v) {
		return g.block.NewZExt(v, types.I32)
	}
	return v
}

func (g *generator) toBool(v value.Value) value.Value {
	if isBool(v) {
		return v
	}
	return g.block.NewICmp(enum.IPredNE, v, zero)
}

func isBool(v value.Value) bool {
	return v.Type().Equal(types.I1)
}

package jit

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/llir/llvm/ir"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"calcjit/internal/ast"
	"calcjit/internal/codegen"
	calcerrors "calcjit/internal/errors"
	"calcjit/internal/parser"
	"calcjit/internal/vmregister"
)

// exec runs one statement the way the driver does.
func exec(t *testing.T, e *Engine, src string) (int32, error) {
	t.Helper()
	node, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	switch n := node.(type) {
	case *ast.Function:
		u, err := codegen.TranslateFunction(e, n)
		if err != nil {
			t.Fatalf("translate %q: %v", src, err)
		}
		return 0, e.InstallFunction(n.Name, u)
	case ast.Expr:
		u, err := codegen.Translate(e, "expr.0", "", n)
		if err != nil {
			t.Fatalf("translate %q: %v", src, err)
		}
		return e.EvaluateOnce(u)
	}
	t.Fatalf("parse %q: nothing to run", src)
	return 0, nil
}

func mustExec(t *testing.T, e *Engine, src string) int32 {
	t.Helper()
	v, err := exec(t, e, src)
	if err != nil {
		t.Fatalf("%s: %v", src, err)
	}
	return v
}

func functionNames(e *Engine) []string {
	var names []string
	for _, f := range e.Functions() {
		names = append(names, f.Name)
	}
	return names
}

func TestDefineAndCall(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "f(x) = x*x")

	if got := mustExec(t, e, "f(5)"); got != 25 {
		t.Errorf("f(5) = %d, want 25", got)
	}
	got, err := e.Call("f", 5)
	if err != nil || got != 25 {
		t.Errorf("Call(f, 5) = %d, %v", got, err)
	}
}

func TestRedefinitionIsSeenByCompiledCaller(t *testing.T) {
	for _, optimize := range []bool{false, true} {
		e := New(Config{Optimize: optimize})
		mustExec(t, e, "f(x) = x*x")
		mustExec(t, e, "g(x) = f(x) + 1")
		mustExec(t, e, "f(x) = x*x*x")

		if got := mustExec(t, e, "g(5)"); got != 126 {
			t.Errorf("optimize=%v: g(5) = %d, want 126", optimize, got)
		}
	}
}

func TestForwardReference(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "g(x) = later(x) * 2")

	_, err := exec(t, e, "g(1)")
	if !errors.Is(err, vmregister.ErrUndefinedFunction) {
		t.Fatalf("calling through a placeholder: err = %v", err)
	}
	mustExec(t, e, "later(x) = x + 10")
	if got := mustExec(t, e, "g(1)"); got != 22 {
		t.Errorf("g(1) = %d, want 22", got)
	}
}

func TestBuiltinRedefinitionIsRefused(t *testing.T) {
	e := New(Config{})
	before := functionNames(e)

	_, err := exec(t, e, "abs(x) = x + 1")
	if err == nil {
		t.Fatal("redefining abs succeeded")
	}
	if !calcerrors.Is(err, calcerrors.DefinitionError) {
		t.Errorf("err = %v, want a DefinitionError", err)
	}
	if !errors.Is(err, ErrBuiltinRedefinition) {
		t.Errorf("err = %v, want ErrBuiltinRedefinition", err)
	}

	if got := mustExec(t, e, "abs(-3)"); got != 3 {
		t.Errorf("abs(-3) = %d, want 3", got)
	}
	if got := mustExec(t, e, "pow2(10)"); got != 1024 {
		t.Errorf("pow2(10) = %d, want 1024", got)
	}
	if after := functionNames(e); strings.Join(after, ",") != strings.Join(before, ",") {
		t.Errorf("registry changed: %v -> %v", before, after)
	}
}

func TestBuiltins(t *testing.T) {
	tests := []struct {
		fn       func(int32) int32
		arg      int32
		expected int32
	}{
		{abs, -3, 3},
		{abs, 3, 3},
		{abs, 0, 0},
		{abs, math.MinInt32, math.MinInt32},
		{pow2, 0, 1},
		{pow2, 30, 1 << 30},
		{pow2, 31, math.MinInt32},
		{pow2, 32, 0},
		{pow2, -1, 0},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.arg); got != tt.expected {
			t.Errorf("f(%d) = %d, want %d", tt.arg, got, tt.expected)
		}
	}
}

func TestVariablesPersistAcrossEvaluations(t *testing.T) {
	e := New(Config{})
	if got := mustExec(t, e, "x = 4"); got != 4 {
		t.Fatalf("x = 4 returned %d", got)
	}
	if got := mustExec(t, e, "x"); got != 4 {
		t.Errorf("x = %d, want 4", got)
	}
	if got := e.Variables()["x"]; got != 4 {
		t.Errorf("Variables()[x] = %d, want 4", got)
	}
	if got := mustExec(t, e, "unset + 1"); got != 1 {
		t.Errorf("unset variable should read as 0, got %d", got-1)
	}
}

func TestTernary(t *testing.T) {
	e := New(Config{})
	if got := mustExec(t, e, "1 ? 10 : 20"); got != 10 {
		t.Errorf("1 ? 10 : 20 = %d", got)
	}
	if got := mustExec(t, e, "0 ? 10 : 20"); got != 20 {
		t.Errorf("0 ? 10 : 20 = %d", got)
	}
}

func TestSelfRecursion(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "fact(x) = x<=1 ? 1 : x*fact(x-1)")
	if got := mustExec(t, e, "fact(5)"); got != 120 {
		t.Errorf("fact(5) = %d, want 120", got)
	}
}

func TestOneShotLeavesNoRegistryTrace(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "f(x) = x + 1")
	before := functionNames(e)

	for _, src := range []string{"1 + 2", "f(3)", "y = f(1)", "abs(-1) ? 1 : 0"} {
		mustExec(t, e, src)
	}
	after := functionNames(e)
	if strings.Join(after, ",") != strings.Join(before, ",") {
		t.Errorf("registry changed: %v -> %v", before, after)
	}
	if st := e.Stats(); st.Evaluations != 4 {
		t.Errorf("Evaluations = %d, want 4", st.Evaluations)
	}
}

func TestRuntimeTraps(t *testing.T) {
	tests := []struct {
		name string
		defs []string
		src  string
		err  error
	}{
		{"division by zero", nil, "1 / 0", vmregister.ErrDivisionByZero},
		{"remainder by zero", nil, "5 % (2 - 2)", vmregister.ErrDivisionByZero},
		{"undefined function", nil, "nope(1)", vmregister.ErrUndefinedFunction},
		{"runaway recursion", []string{"down(x) = down(x + 1)"}, "down(0)", vmregister.ErrCallDepth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, optimize := range []bool{false, true} {
				e := New(Config{Optimize: optimize, MaxCallDepth: 50})
				for _, d := range tt.defs {
					mustExec(t, e, d)
				}
				_, err := exec(t, e, tt.src)
				if !calcerrors.Is(err, calcerrors.RuntimeError) {
					t.Fatalf("optimize=%v: err = %v, want a RuntimeError", optimize, err)
				}
				if !errors.Is(err, tt.err) {
					t.Errorf("optimize=%v: err = %v, want %v", optimize, err, tt.err)
				}

				// The engine is still usable after a trap.
				mustExec(t, e, "ok(x) = x + 1")
				if got := mustExec(t, e, "ok(1)"); got != 2 {
					t.Errorf("after trap: ok(1) = %d", got)
				}
			}
		})
	}
}

func TestTrapMessages(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "half(x) = 10 / x")

	tests := []struct {
		src  string
		want string
	}{
		{"1 / 0", "RuntimeError: evaluating expression: division by zero"},
		{"half(0)", "RuntimeError: evaluating expression: division by zero in half"},
		{"nope(1)", "RuntimeError: evaluating expression: call to undefined function nope"},
	}
	for _, tt := range tests {
		_, err := exec(t, e, tt.src)
		if err == nil {
			t.Fatalf("%s: no error", tt.src)
		}
		if err.Error() != tt.want {
			t.Errorf("%s: error = %q, want %q", tt.src, err, tt.want)
		}
	}

	_, err := e.Call("half", 0)
	if err == nil || err.Error() != "RuntimeError: evaluating half: division by zero in half" {
		t.Errorf("Call(half, 0) error = %v", err)
	}
}

func TestInstallRejectsMismatchedUnit(t *testing.T) {
	e := New(Config{})
	node, err := parser.Parse("f(x) = x")
	if err != nil {
		t.Fatal(err)
	}
	u, err := codegen.TranslateFunction(e, node.(*ast.Function))
	if err != nil {
		t.Fatal(err)
	}
	err = e.InstallFunction("g", u)
	if !calcerrors.Is(err, calcerrors.CompileError) {
		t.Errorf("err = %v, want a CompileError", err)
	}
}

func TestPrintIR(t *testing.T) {
	var out bytes.Buffer
	e := New(Config{PrintIR: true, IROut: &out})
	mustExec(t, e, "f(x) = x*x")
	if got := mustExec(t, e, "f(3)"); got != 9 {
		t.Errorf("f(3) = %d with IR dump on", got)
	}
	for _, want := range []string{"define i32 @f(i32 %x)", "define i32 @expr.0()", "@fn.f = external global"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("IR dump missing %q:\n%s", want, out.String())
		}
	}
}

func TestLogsRefusedRedefinition(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	e := New(Config{Logger: logger})

	exec(t, e, "pow2(x) = x")
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["function"] != "pow2" {
		t.Errorf("last log entry = %+v", entry)
	}
}

func TestConcurrentRedefinition(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "f(x) = x*x")

	node, _ := parser.Parse("f(2)")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				u, err := codegen.Translate(e, "expr.0", "", node.(ast.Expr))
				if err != nil {
					t.Error(err)
					return
				}
				// Both bodies give 4 for 2.
				if got, err := e.EvaluateOnce(u); err != nil || got != 4 {
					t.Errorf("f(2) = %d, %v", got, err)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		src := "f(x) = x*x"
		if j%2 == 0 {
			src = "f(x) = x+x"
		}
		def, _ := parser.Parse(src)
		u, err := codegen.TranslateFunction(e, def.(*ast.Function))
		if err != nil {
			t.Fatal(err)
		}
		if err := e.InstallFunction("f", u); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
}

func TestStats(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "f(x) = x")
	mustExec(t, e, "f(x) = x + 1")
	mustExec(t, e, "g(x) = h(x)")
	mustExec(t, e, "f(1)")

	st := e.Stats()
	if st.Functions != 2 || st.Builtins != 2 || st.Placeholders != 1 {
		t.Errorf("registry counts = %d/%d/%d", st.Functions, st.Builtins, st.Placeholders)
	}
	if st.Installs != 3 || st.Redefinitions != 1 || st.Compilations != 4 {
		t.Errorf("installs=%d redefinitions=%d compilations=%d", st.Installs, st.Redefinitions, st.Compilations)
	}
	if st.TotalCalls != 1 {
		t.Errorf("TotalCalls = %d, want 1", st.TotalCalls)
	}
	if !strings.Contains(st.String(), "compilations 4") {
		t.Errorf("String() = %q", st.String())
	}
}

func TestFunctionInstallsAndResetStats(t *testing.T) {
	e := New(Config{})
	mustExec(t, e, "f(x) = x")
	mustExec(t, e, "f(x) = x + 1")
	mustExec(t, e, "g(x) = f(x)")

	installs := make(map[string]uint32)
	for _, f := range e.Functions() {
		installs[f.Name] = f.Installs
	}
	if installs["f"] != 2 || installs["g"] != 1 || installs["abs"] != 0 {
		t.Errorf("installs = %v", installs)
	}

	e.ResetStats()
	st := e.Stats()
	if st.Installs != 0 || st.Redefinitions != 0 || st.Compilations != 0 {
		t.Errorf("after reset: installs=%d redefinitions=%d compilations=%d", st.Installs, st.Redefinitions, st.Compilations)
	}
	if st.Functions != 2 {
		t.Errorf("reset must not touch the registry: Functions = %d", st.Functions)
	}
	mustExec(t, e, "f(x) = x * 2")
	for _, f := range e.Functions() {
		if f.Name == "f" && f.Installs != 1 {
			t.Errorf("f installs after reset = %d, want 1", f.Installs)
		}
	}
}

// Random expressions over literals and the non-control operators must
// evaluate to what Go's int32 arithmetic gives, with and without the
// optimizer.

var randomOps = []ast.Op{
	ast.Add, ast.Sub, ast.Mul, ast.Div, ast.Mod, ast.Or, ast.And, ast.Xor,
	ast.Lt, ast.Gt, ast.Eq, ast.Ne, ast.Le, ast.Ge, ast.Not, ast.BitNot, ast.Neg,
}

var interesting = []int32{0, 1, -1, 2, 7, 31, -8, 1000, math.MaxInt32, math.MinInt32}

func randomExpr(rng *rand.Rand, depth int) ast.Expr {
	if depth == 0 || rng.Intn(4) == 0 {
		if rng.Intn(2) == 0 {
			return &ast.Number{Value: interesting[rng.Intn(len(interesting))]}
		}
		return &ast.Number{Value: int32(rng.Uint32())}
	}
	op := randomOps[rng.Intn(len(randomOps))]
	if op.Arity() == 1 {
		return ast.MustOperator(op, randomExpr(rng, depth-1))
	}
	return ast.MustOperator(op, randomExpr(rng, depth-1), randomExpr(rng, depth-1))
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// direct evaluates e; ok is false when a division by zero happens.
func direct(e ast.Expr) (v int32, ok bool) {
	switch e := e.(type) {
	case *ast.Number:
		return e.Value, true
	case *ast.Operator:
		x, ok := direct(e.Args[0])
		if !ok {
			return 0, false
		}
		switch e.Op {
		case ast.Not:
			return b2i(x == 0), true
		case ast.BitNot:
			return ^x, true
		case ast.Neg:
			return -x, true
		}
		y, ok := direct(e.Args[1])
		if !ok {
			return 0, false
		}
		switch e.Op {
		case ast.Add:
			return x + y, true
		case ast.Sub:
			return x - y, true
		case ast.Mul:
			return x * y, true
		case ast.Div:
			if y == 0 {
				return 0, false
			}
			return x / y, true
		case ast.Mod:
			if y == 0 {
				return 0, false
			}
			return x % y, true
		case ast.Or:
			return x | y, true
		case ast.And:
			return x & y, true
		case ast.Xor:
			return x ^ y, true
		case ast.Lt:
			return b2i(x < y), true
		case ast.Gt:
			return b2i(x > y), true
		case ast.Eq:
			return b2i(x == y), true
		case ast.Ne:
			return b2i(x != y), true
		case ast.Le:
			return b2i(x <= y), true
		case ast.Ge:
			return b2i(x >= y), true
		}
	}
	panic("unexpected node")
}

func TestRandomExpressionsMatchDirectEvaluation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	plain := New(Config{})
	opt := New(Config{Optimize: true})

	for i := 0; i < 500; i++ {
		expr := randomExpr(rng, 4)
		want, ok := direct(expr)

		for _, e := range []*Engine{plain, opt} {
			u, err := codegen.Translate(e, "expr.0", "", expr)
			if err != nil {
				t.Fatalf("%v: %v", expr, err)
			}
			got, err := e.EvaluateOnce(u)
			if !ok {
				if !errors.Is(err, vmregister.ErrDivisionByZero) {
					t.Errorf("%v: err = %v, want division by zero", expr, err)
				}
				continue
			}
			if err != nil {
				t.Errorf("%v: %v", expr, err)
				continue
			}
			if got != want {
				t.Errorf("%v = %d, want %d (optimize=%v)", expr, got, want, e.cfg.Optimize)
			}
		}
	}
}

func TestOptimizeFoldsConstantCode(t *testing.T) {
	e := New(Config{})
	translate := func(src string) *ir.Func {
		node, err := parser.Parse(src)
		if err != nil {
			t.Fatal(err)
		}
		u, err := codegen.Translate(e, "expr.0", "", node.(ast.Expr))
		if err != nil {
			t.Fatal(err)
		}
		return u.Func
	}

	fn := translate("2 * 3 + (4 < 5)")
	st := Optimize(fn)
	if st.Folded == 0 || len(fn.Blocks) != 1 || len(fn.Blocks[0].Insts) != 0 {
		t.Errorf("constant arithmetic not folded: %+v\n%v", st, fn)
	}

	fn = translate("1 ? x : y")
	st = Optimize(fn)
	if st.BranchesFolded != 1 || st.BlocksRemoved != 1 || st.PhisRemoved != 1 {
		t.Errorf("constant branch not folded: %+v\n%v", st, fn)
	}
	for _, b := range fn.Blocks {
		if _, ok := b.Term.(*ir.TermCondBr); ok {
			t.Errorf("conditional branch left in %s", b.Name())
		}
	}

	fn = translate("7 / 0")
	Optimize(fn)
	if len(fn.Blocks[0].Insts) != 1 {
		t.Errorf("division by zero must stay for the runtime trap:\n%v", fn)
	}
}

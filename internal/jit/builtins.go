package jit

import "calcjit/internal/cells"

// builtins are native functions present in every engine. Their entry
// cells are filled at construction and can never be redefined.
var builtins = map[string]cells.Func{
	"abs":  abs,
	"pow2": pow2,
}

// abs wraps for the most negative value, like the hardware negate.
func abs(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

// pow2 returns 1<<x. Shift counts outside 0..31 yield 0.
func pow2(x int32) int32 {
	if x < 0 || x > 31 {
		return 0
	}
	return int32(1) << uint(x)
}

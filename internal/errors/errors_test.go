package errors

import (
	stderrors "errors"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestSyntaxErrorCaret(t *testing.T) {
	err := NewSyntaxError("unexpected ')'", 5).WithSource("1 + )")
	msg := err.Error()
	if !strings.HasPrefix(msg, "SyntaxError: unexpected ')'") {
		t.Errorf("unexpected message %q", msg)
	}
	lines := strings.Split(msg, "\n")
	if len(lines) != 3 {
		t.Fatalf("want 3 lines, got %q", msg)
	}
	if lines[2] != "      ^" {
		t.Errorf("caret line = %q", lines[2])
	}
}

func TestIsThroughWrapping(t *testing.T) {
	base := stderrors.New("boom")
	err := pkgerrors.Wrap(NewRuntimeError(base, "while evaluating"), "statement 3")

	if !Is(err, RuntimeError) {
		t.Error("Is(RuntimeError) = false through pkg/errors wrapper")
	}
	if Is(err, CompileError) {
		t.Error("Is(CompileError) = true")
	}
	if !stderrors.Is(err, base) {
		t.Error("cause not reachable with errors.Is")
	}
	if TypeOf(err) != RuntimeError {
		t.Errorf("TypeOf = %q", TypeOf(err))
	}
	if TypeOf(base) != "" {
		t.Errorf("TypeOf(foreign) = %q", TypeOf(base))
	}
}

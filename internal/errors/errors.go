// internal/errors/errors.go
package errors

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrorType represents the type of error
type ErrorType string

const (
	SyntaxError     ErrorType = "SyntaxError"
	CompileError    ErrorType = "CompileError"
	RuntimeError    ErrorType = "RuntimeError"
	DefinitionError ErrorType = "DefinitionError"
)

// SourceLocation is a position inside one input statement
type SourceLocation struct {
	Line   int
	Column int
}

// CalcError is an error with a classification and, for syntax errors,
// the offending source line.
type CalcError struct {
	Type     ErrorType
	Message  string
	Location SourceLocation
	Source   string // The source line where error occurred
	Cause    error
}

// Error implements the error interface
func (e *CalcError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s: %s", e.Type, e.Message))
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	if e.Source != "" && e.Location.Column > 0 {
		sb.WriteString(fmt.Sprintf("\n  %s\n", strings.TrimRight(e.Source, "\n")))
		sb.WriteString("  ")
		sb.WriteString(strings.Repeat(" ", e.Location.Column-1))
		sb.WriteString("^")
	}

	return sb.String()
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e *CalcError) Unwrap() error {
	return e.Cause
}

// NewSyntaxError creates a new syntax error at the given column
func NewSyntaxError(message string, column int) *CalcError {
	return &CalcError{
		Type:     SyntaxError,
		Message:  message,
		Location: SourceLocation{Line: 1, Column: column},
	}
}

// NewCompileError wraps a backend failure
func NewCompileError(cause error, format string, args ...interface{}) *CalcError {
	return &CalcError{
		Type:    CompileError,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// NewRuntimeError wraps a trap raised while running compiled code
func NewRuntimeError(cause error, format string, args ...interface{}) *CalcError {
	return &CalcError{
		Type:    RuntimeError,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// NewDefinitionError reports a refused function definition
func NewDefinitionError(cause error, format string, args ...interface{}) *CalcError {
	return &CalcError{
		Type:    DefinitionError,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// WithSource adds source code context to the error
func (e *CalcError) WithSource(source string) *CalcError {
	e.Source = source
	return e
}

// Is reports whether err is a *CalcError of the given type anywhere in its chain
func Is(err error, t ErrorType) bool {
	for err != nil {
		if ce, ok := err.(*CalcError); ok && ce.Type == t {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			// pkg/errors wrappers expose Cause rather than Unwrap on old versions
			c := pkgerrors.Cause(err)
			if c == err {
				return false
			}
			err = c
			continue
		}
		err = u.Unwrap()
	}
	return false
}

// TypeOf returns the classification of err, or "" for foreign errors
func TypeOf(err error) ErrorType {
	for _, t := range []ErrorType{SyntaxError, CompileError, RuntimeError, DefinitionError} {
		if Is(err, t) {
			return t
		}
	}
	return ""
}

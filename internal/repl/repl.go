// internal/repl/repl.go
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"golang.org/x/exp/slices"

	calcerrors "calcjit/internal/errors"
	"calcjit/internal/jit"
	"calcjit/internal/session"
)

const (
	banner = "calc | functions: f(x) = ..., expressions: anything else | :help"
	prompt = "calc> "
)

const helpText = `Statements:
  f(x) = expr      define or redefine f (the fun keyword is optional)
  expr             evaluate once and print the result
  name = expr      assign a variable

Commands:
  :funcs   list functions
  :vars    list variables
  :stats   engine statistics (:stats reset clears the counters)
  :help    this text
  :quit    exit (also: exit)
`

// Config wires the loop to its streams. Nil streams default to the
// process's standard ones.
type Config struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer

	// HistoryFile persists line-editing history in interactive mode.
	HistoryFile string
	// Interactive forces line editing on or off; nil detects a terminal.
	Interactive *bool
}

// REPL reads statements and prints results.
type REPL struct {
	cfg     Config
	session *session.Session
}

func New(s *session.Session, cfg Config) *REPL {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Err == nil {
		cfg.Err = os.Stderr
	}
	return &REPL{cfg: cfg, session: s}
}

// Run loops until end of input, a quit command, context cancellation, or
// a compile failure. Only the last is returned as an error.
func (r *REPL) Run(ctx context.Context) error {
	if r.interactive() {
		return r.runLiner(ctx)
	}
	return r.runPlain(ctx)
}

func (r *REPL) interactive() bool {
	if r.cfg.Interactive != nil {
		return *r.cfg.Interactive
	}
	f, ok := r.cfg.In.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func (r *REPL) runPlain(ctx context.Context) error {
	scanner := bufio.NewScanner(r.cfg.In)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		quit, err := r.Handle(ctx, scanner.Text())
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func (r *REPL) runLiner(ctx context.Context) error {
	fmt.Fprintln(r.cfg.Out, banner)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if r.cfg.HistoryFile != "" {
		if f, err := os.Open(r.cfg.HistoryFile); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(r.cfg.HistoryFile); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}()
	}

	for ctx.Err() == nil {
		line, err := ln.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.cfg.Out)
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) != "" {
			ln.AppendHistory(line)
		}
		quit, err := r.Handle(ctx, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
	return nil
}

// Handle executes one input line. quit is set by :quit and exit.
func (r *REPL) Handle(ctx context.Context, line string) (quit bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "exit" || strings.HasPrefix(trimmed, ":") {
		return r.command(trimmed), nil
	}

	res, err := r.session.ExecContext(ctx, line)
	switch {
	case err == nil:
	case errors.Is(err, jit.ErrBuiltinRedefinition):
		fmt.Fprintf(r.cfg.Out, "Can't replace built-in function %s!\n", res.Name)
		return false, nil
	case calcerrors.Is(err, calcerrors.CompileError):
		return false, err
	default:
		// Syntax errors, runtime traps and journal failures leave the
		// session usable.
		fmt.Fprintln(r.cfg.Err, err)
		return false, nil
	}

	if res.Kind == session.Evaluated {
		fmt.Fprintf(r.cfg.Out, "Result: %d\n\n", res.Value)
	}
	return false, nil
}

func (r *REPL) command(cmd string) bool {
	engine := r.session.Engine()
	switch strings.ToLower(cmd) {
	case ":quit", ":q", "exit":
		return true
	case ":help":
		fmt.Fprint(r.cfg.Out, helpText)
	case ":funcs":
		for _, f := range engine.Functions() {
			switch {
			case f.Builtin:
				fmt.Fprintf(r.cfg.Out, "%s(%s)  built-in\n", f.Name, f.Param)
			case !f.Defined:
				fmt.Fprintf(r.cfg.Out, "%s  undefined (referenced)\n", f.Name)
			default:
				fmt.Fprintf(r.cfg.Out, "%s(%s)  %d instructions, %d calls, installs %d\n", f.Name, f.Param, f.Instructions, f.Calls, f.Installs)
			}
		}
	case ":vars":
		vars := engine.Variables()
		names := make([]string, 0, len(vars))
		for name := range vars {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(r.cfg.Out, "%s = %d\n", name, vars[name])
		}
	case ":stats":
		fmt.Fprint(r.cfg.Out, engine.Stats())
	case ":stats reset":
		engine.ResetStats()
		fmt.Fprintln(r.cfg.Out, "statistics cleared")
	default:
		fmt.Fprintf(r.cfg.Out, "unknown command %s. Type :help for a list.\n", cmd)
	}
	return false
}

// Package session drives the engine one statement at a time: parse,
// translate, then install a definition or evaluate an expression.
package session

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"calcjit/internal/ast"
	"calcjit/internal/codegen"
	calcerrors "calcjit/internal/errors"
	"calcjit/internal/history"
	"calcjit/internal/jit"
	"calcjit/internal/parser"
)

// Kind tells what a statement did.
type Kind int

const (
	Empty     Kind = iota // blank line or comment
	Defined               // a function was installed
	Evaluated             // an expression was run once
)

func (k Kind) String() string {
	switch k {
	case Defined:
		return "define"
	case Evaluated:
		return "evaluate"
	}
	return "empty"
}

// Result is the outcome of one statement.
type Result struct {
	Kind  Kind
	Name  string // defined function, empty for expressions
	Value int32  // expression value
}

// Journal is where executed statements are recorded.
type Journal interface {
	Append(ctx context.Context, e history.Entry) error
	Entries(ctx context.Context) ([]history.Entry, error)
}

// Session executes statements against one engine. Each statement is one
// critical section, so concurrent callers see whole statements.
type Session struct {
	mu      sync.Mutex
	id      string
	engine  *jit.Engine
	journal Journal
	astOut  io.Writer
	log     *logrus.Entry
}

type Option func(*Session)

// WithJournal records every successful statement in j.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithASTDump pretty-prints each parsed statement to w.
func WithASTDump(w io.Writer) Option {
	return func(s *Session) { s.astOut = w }
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Session) { s.log = l.WithField("component", "session") }
}

func New(engine *jit.Engine, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l.WithField("component", "session")
	}
	s.log = s.log.WithField("session", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Engine() *jit.Engine { return s.engine }

// Exec runs one statement.
func (s *Session) Exec(line string) (Result, error) {
	return s.ExecContext(context.Background(), line)
}

// TrapKind is the journal kind of an expression that trapped. It is
// still recorded because the stores it made before the trap persist.
const TrapKind = "trap"

// ExecContext runs one statement and journals it if it succeeded or
// trapped at run time.
func (s *Session) ExecContext(ctx context.Context, line string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(line)
	if res.Kind == Empty || s.journal == nil {
		return res, err
	}
	kind := res.Kind.String()
	if err != nil {
		if res.Kind != Evaluated || !calcerrors.Is(err, calcerrors.RuntimeError) {
			return res, err
		}
		kind = TrapKind
	}
	entry := history.Entry{Session: s.id, Kind: kind, Source: strings.TrimSpace(line)}
	if jerr := s.journal.Append(ctx, entry); jerr != nil {
		s.log.WithError(jerr).Error("journal append failed")
		return res, errors.Wrap(jerr, "journal")
	}
	return res, err
}

func (s *Session) exec(line string) (Result, error) {
	node, err := parser.Parse(line)
	if err != nil {
		return Result{}, err
	}
	if node == nil {
		return Result{Kind: Empty}, nil
	}
	if s.astOut != nil {
		pretty.Fprintf(s.astOut, "%# v\n", node)
	}

	switch n := node.(type) {
	case *ast.Function:
		u, err := codegen.TranslateFunction(s.engine, n)
		if err != nil {
			return Result{}, calcerrors.NewCompileError(err, "translating %s", n.Name)
		}
		res := Result{Kind: Defined, Name: n.Name}
		if err := s.engine.InstallFunction(n.Name, u); err != nil {
			return res, err
		}
		return res, nil

	case ast.Expr:
		// The dot keeps the name out of the user's namespace, so the
		// expression can never be mistaken for a self call.
		name := "expr." + strings.ReplaceAll(uuid.NewString(), "-", "")
		u, err := codegen.Translate(s.engine, name, "", n)
		if err != nil {
			return Result{}, calcerrors.NewCompileError(err, "translating expression")
		}
		v, err := s.engine.EvaluateOnce(u)
		if err != nil {
			return Result{Kind: Evaluated}, err
		}
		return Result{Kind: Evaluated, Value: v}, nil
	}
	return Result{}, errors.Errorf("unexpected statement %T", node)
}

// Replay re-executes the journal without appending to it. Statements that
// fail at run time or are refused are skipped; a statement that no longer
// parses or compiles stops the replay.
func (s *Session) Replay(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	entries, err := s.journal.Entries(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "replay")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := s.exec(e.Source)
		switch {
		case err == nil:
			n++
		case calcerrors.Is(err, calcerrors.RuntimeError), calcerrors.Is(err, calcerrors.DefinitionError):
			s.log.WithError(err).WithField("entry", e.ID).Warn("skipped journal entry")
		default:
			return n, errors.Wrapf(err, "replay entry %d", e.ID)
		}
	}
	s.log.WithField("statements", n).Info("replayed journal")
	return n, nil
}

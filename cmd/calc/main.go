package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"calcjit/internal/history"
	"calcjit/internal/jit"
	"calcjit/internal/repl"
	"calcjit/internal/server"
	"calcjit/internal/session"
)

const historyFile = ".calc_history"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("calc", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	printIR := fs.Bool("printIR", false, "print the IR of every compiled unit to stderr")
	optimize := fs.Bool("opt", false, "optimize the IR before compiling")
	maxDepth := fs.Int("max-depth", jit.DefaultMaxCallDepth, "maximum nested function calls (negative: unlimited)")
	journal := fs.String("history", "", "journal statements to this SQLite file (or postgres:// / mysql:// URL) and replay it at startup")
	serve := fs.String("serve", "", "serve statements over WebSocket at this address instead of reading stdin")
	printAST := fs.Bool("print-ast", false, "pretty-print every parsed statement to stderr")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "usage: calc [flags]")
			fs.SetOutput(stderr)
			fs.PrintDefaults()
			return 0
		}
		if name, ok := unknownOption(err, args); ok {
			fmt.Fprintf(stdout, "Unknown options: %s\n", name)
			return 1
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stdout, "Unknown options: %s\n", fs.Arg(0))
		return 1
	}

	logger := log.New(stderr, "calc: ", 0)
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Printf("Error: %v", err)
		return 2
	}
	lr := logrus.New()
	lr.SetOutput(stderr)
	lr.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := jit.New(jit.Config{
		Optimize:     *optimize,
		PrintIR:      *printIR,
		IROut:        stderr,
		MaxCallDepth: *maxDepth,
		Logger:       lr,
	})

	opts := []session.Option{session.WithLogger(lr)}
	if *printAST {
		opts = append(opts, session.WithASTDump(stderr))
	}
	var store *history.Store
	if *journal != "" {
		store, err = history.Open(ctx, *journal)
		if err != nil {
			logger.Printf("Error: %v", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, session.WithJournal(store))
	}
	sess := session.New(engine, opts...)

	if store != nil {
		n, err := sess.Replay(ctx)
		if err != nil {
			logger.Printf("Error: %v", err)
			return 1
		}
		lr.WithFields(logrus.Fields{"statements": n, "history": store.Path()}).Info("restored session from history")
	}

	if *serve != "" {
		srv := server.New(sess, server.Config{Addr: *serve, Logger: lr})
		if err := srv.Run(ctx); err != nil {
			logger.Printf("Error: %v", err)
			return 1
		}
		return 0
	}

	cfg := repl.Config{In: stdin, Out: stdout, Err: stderr}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.HistoryFile = filepath.Join(home, historyFile)
	}
	if err := repl.New(sess, cfg).Run(ctx); err != nil {
		// Compile failures are fatal.
		logger.Printf("Error: %v", err)
		return 1
	}
	return 0
}

// unknownOption recovers the argument the flag package rejected, spelled
// the way the user typed it.
func unknownOption(err error, args []string) (string, bool) {
	const prefix = "flag provided but not defined: "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(msg, prefix)
	bare := strings.TrimLeft(name, "-")
	for _, a := range args {
		if strings.TrimLeft(strings.SplitN(a, "=", 2)[0], "-") == bare {
			return a, true
		}
	}
	return name, true
}

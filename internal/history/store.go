// Package history keeps a journal of executed statements in a SQL
// database so a later run can replay them and restore its functions and
// variables. SQLite is the default; postgres://, mysql:// and
// sqlserver:// targets let several calculators share one journal.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// dialect is what differs between the supported databases
type dialect struct {
	driver string
	schema string
	// prefix of numbered placeholders ($1, @p1); empty keeps ?
	placeholder string
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		schema: `
CREATE TABLE IF NOT EXISTS statements (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	source     TEXT    NOT NULL,
	created_at INTEGER NOT NULL
)`,
	},
	"postgres": {
		driver: "postgres",
		schema: `
CREATE TABLE IF NOT EXISTS statements (
	id         BIGSERIAL PRIMARY KEY,
	session    TEXT   NOT NULL,
	kind       TEXT   NOT NULL,
	source     TEXT   NOT NULL,
	created_at BIGINT NOT NULL
)`,
		placeholder: "$",
	},
	"mysql": {
		driver: "mysql",
		schema: `
CREATE TABLE IF NOT EXISTS statements (
	id         BIGINT AUTO_INCREMENT PRIMARY KEY,
	session    VARCHAR(64) NOT NULL,
	kind       VARCHAR(16) NOT NULL,
	source     TEXT        NOT NULL,
	created_at BIGINT      NOT NULL
)`,
	},
	"sqlserver": {
		driver: "sqlserver",
		schema: `
IF OBJECT_ID('statements', 'U') IS NULL
CREATE TABLE statements (
	id         BIGINT IDENTITY(1,1) PRIMARY KEY,
	session    NVARCHAR(64)  NOT NULL,
	kind       NVARCHAR(16)  NOT NULL,
	source     NVARCHAR(MAX) NOT NULL,
	created_at BIGINT        NOT NULL
)`,
		placeholder: "@p",
	},
}

// target maps a journal location to its dialect and driver DSN.
// postgres:// and postgresql:// URLs go to lib/pq unchanged; mysql://
// is stripped to the go-sql-driver form (user:pass@tcp(host)/db);
// sqlserver:// URLs go to go-mssqldb. Anything else is a SQLite path.
func target(location string) (dialect, string) {
	switch {
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		return dialects["postgres"], location
	case strings.HasPrefix(location, "mysql://"):
		return dialects["mysql"], strings.TrimPrefix(location, "mysql://")
	case strings.HasPrefix(location, "sqlserver://"):
		return dialects["sqlserver"], location
	default:
		return dialects["sqlite"], location
	}
}

// rebind rewrites ? placeholders for dialects that number them
func (d dialect) rebind(query string) string {
	if d.placeholder == "" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "%s%d", d.placeholder, n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Entry is one journaled statement
type Entry struct {
	ID      int64
	Session string // uuid of the session that executed it
	Kind    string // "define", "evaluate" or "trap"
	Source  string
	Time    time.Time
}

// Store is a statement journal backed by one database
type Store struct {
	db      *sql.DB
	path    string
	dialect dialect
}

// Open opens or creates the journal at path. ":memory:" gives a
// private in-memory SQLite journal.
func Open(ctx context.Context, path string) (*Store, error) {
	d, dsn := target(path)
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open history %s", path)
	}
	if d.driver == "sqlite" {
		// A single connection keeps an in-memory database alive and
		// serializes writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "ping history %s", path)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create history schema")
	}
	return &Store{db: db, path: path, dialect: d}, nil
}

func (s *Store) Path() string { return s.path }

// Append records e. A zero Time is replaced by the current time.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO statements (session, kind, source, created_at) VALUES (?, ?, ?, ?)`),
		e.Session, e.Kind, e.Source, e.Time.UnixNano())
	return errors.Wrap(err, "append history entry")
}

// Entries returns the journal in execution order
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session, kind, source, created_at FROM statements ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query history")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var nanos int64
		if err := rows.Scan(&e.ID, &e.Session, &e.Kind, &e.Source, &nanos); err != nil {
			return nil, errors.Wrap(err, "scan history entry")
		}
		e.Time = time.Unix(0, nanos)
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "read history")
}

// Clear drops every entry
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM statements`)
	return errors.Wrap(err, "clear history")
}

func (s *Store) Close() error {
	return s.db.Close()
}

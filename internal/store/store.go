// Package store persists tasks, task runs and heartbeats. It is the
// durable record shared by the scheduler and every supervisor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"cadence/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// tsLayout is fixed width; every value is formatted in UTC.
const tsLayout = "2006-01-02T15:04:05.000000Z"

type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open connects to the database named by driver and dsn. Use ":memory:" with
// the sqlite driver for a throwaway database.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
		}
		db.SetMaxOpenConns(1) // SQLite single writer
		pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
		if !strings.Contains(dsn, ":memory:") {
			pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", p, err)
			}
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	default:
		return nil, &domain.ConfigurationError{Setting: "database.driver", Value: driver, Err: errors.New("unsupported driver")}
	}
	return New(db, driver, opts...), nil
}

// New wraps an already open database.
func New(db *sql.DB, driver string, opts ...Option) *Store {
	s := &Store{db: db, driver: driver, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) stamp() string { return formatTS(s.now()) }

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(tsLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

type scanner interface {
	Scan(dest ...any) error
}

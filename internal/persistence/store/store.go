// Package store is the durable sqlite layer: world registry, event log, snapshots,
// projection tables and map storage, all in one database file.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const SchemaVersion = "1"

type Options struct {
	// ReadConns bounds the WAL read pool. Reads never wait on the writer.
	ReadConns int
	// BusyTimeout bounds how long a connection waits on a sqlite lock.
	BusyTimeout time.Duration
}

// Store holds two handles on the same file: a single-connection writer whose transactions
// take the write lock up front, and a multi-connection read pool.
type Store struct {
	path string
	w    *sqlx.DB
	r    *sqlx.DB
}

func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = 4
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	w, err := sqlx.Open("sqlite", dsn(path, opts, true))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)
	w.SetConnMaxLifetime(0)

	if err := migrate(w); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r, err := sqlx.Open("sqlite", dsn(path, opts, false))
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	r.SetMaxOpenConns(opts.ReadConns)
	r.SetMaxIdleConns(opts.ReadConns)

	return &Store{path: path, w: w, r: r}, nil
}

func dsn(path string, opts Options, writer bool) string {
	q := url.Values{}
	// WAL lets the read pool see a stable snapshot while the writer appends.
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "synchronous(NORMAL)")
	if writer {
		q.Set("_txlock", "immediate")
	} else {
		q.Add("_pragma", "query_only(1)")
	}
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	errR := s.r.Close()
	errW := s.w.Close()
	if errW != nil {
		return errW
	}
	return errR
}

// Write runs fn in one write transaction. Any error from fn rolls everything back.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{querier: querier{ctx: ctx, q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Read runs fn against one read transaction, so everything fn sees comes from the same
// committed prefix of the database.
func (s *Store) Read(ctx context.Context, fn func(rt *ReadTx) error) error {
	tx, err := s.r.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&ReadTx{querier: querier{ctx: ctx, q: tx}})
}

// querier carries the queries shared by read and write transactions.
type querier struct {
	ctx context.Context
	q   sqlx.ExtContext
}

type ReadTx struct {
	querier
}

type Tx struct {
	querier
	tx *sqlx.Tx
}

func (q querier) exec(query string, args ...any) error {
	_, err := q.q.ExecContext(q.ctx, query, args...)
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func sqlxGet(q querier, dest any, query string, args ...any) error {
	return sqlx.GetContext(q.ctx, q.q, dest, query, args...)
}

func sqlxSelect(q querier, dest any, query string, args ...any) error {
	return sqlx.SelectContext(q.ctx, q.q, dest, query, args...)
}

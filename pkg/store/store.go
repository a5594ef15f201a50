// Package store provides the embedded relational store backing all
// orchestration state. It wraps a single sqlite file opened in WAL mode
// with foreign keys enforced; every mutating path in the core runs
// through WithTx.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentwire/loom/pkg/domain/errors"
)

// Options controls how the store file is opened
type Options struct {
	// CacheSizeBytes is the sqlite page cache budget
	CacheSizeBytes int64
	// BusyTimeoutMillis is how long a writer waits on a locked database
	BusyTimeoutMillis int
	// MaxCachedStatements bounds the prepared-statement cache
	MaxCachedStatements int
}

// DefaultOptions returns the standard store options
func DefaultOptions() Options {
	return Options{
		CacheSizeBytes:      64 << 20,
		BusyTimeoutMillis:   5000,
		MaxCachedStatements: 128,
	}
}

// Store is a handle to the embedded database
type Store struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger

	stmtMu    sync.Mutex
	stmts     map[string]*sqlx.Stmt
	stmtLimit int

	ftsEnabled bool
}

type txKey struct{}

// Open opens (creating if necessary) the store file at path and verifies
// its integrity. The connection is configured for WAL journaling, enforced
// foreign keys, normal durability, and a busy-wait on contention.
func Open(path string, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.MaxCachedStatements <= 0 {
		opts.MaxCachedStatements = DefaultOptions().MaxCachedStatements
	}
	if opts.BusyTimeoutMillis <= 0 {
		opts.BusyTimeoutMillis = DefaultOptions().BusyTimeoutMillis
	}
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = DefaultOptions().CacheSizeBytes
	}

	dsn := fmt.Sprintf("file:%s?%s", path, dsnParams(opts).Encode())
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "store", fmt.Sprintf("failed to open store at %s", path), err)
	}

	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn between pooled connections inside one process.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:        db,
		path:      path,
		logger:    logger.With("component", "store"),
		stmts:     make(map[string]*sqlx.Stmt),
		stmtLimit: opts.MaxCachedStatements,
	}

	var check string
	if err := db.Get(&check, "PRAGMA quick_check"); err != nil || check != "ok" {
		db.Close()
		return nil, errors.New(errors.CodeStoreError, "store", fmt.Sprintf("integrity check failed for %s", path), err)
	}

	return s, nil
}

// dsnParams builds the sqlite connection parameters. Cache size is passed
// to sqlite as a negative KiB value, which selects a byte budget rather
// than a page count.
func dsnParams(opts Options) url.Values {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_foreign_keys", "on")
	v.Set("_synchronous", "NORMAL")
	v.Set("_busy_timeout", fmt.Sprintf("%d", opts.BusyTimeoutMillis))
	v.Set("_loc", "UTC")
	v.Set("_cache_size", fmt.Sprintf("-%d", opts.CacheSizeBytes/1024))
	return v
}

// Path returns the filesystem path of the store file
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying sqlx handle for the migration runner
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases cached statements and closes the database
func (s *Store) Close() error {
	s.stmtMu.Lock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = make(map[string]*sqlx.Stmt)
	s.stmtMu.Unlock()
	return s.db.Close()
}

// WithTx runs fn inside a single database transaction. Any error from fn
// rolls back every write. Nesting is rejected: a WithTx call from inside
// a transaction-bearing context fails fast instead of silently sharing
// the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if ctx.Value(txKey{}) != nil {
		return errors.New(errors.CodeStoreError, "store", "nested transaction not permitted", nil)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeStoreError, "store", "failed to begin transaction", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeStoreError, "store", "failed to commit transaction", err)
	}
	return nil
}

// stmt returns a prepared statement for query, preparing and caching it on
// first use. The cache is bounded; when full, an arbitrary entry is
// evicted (statement reuse is heavily skewed to a small hot set, so a
// simple policy suffices).
func (s *Store) stmt(ctx context.Context, query string) (*sqlx.Stmt, error) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if cached, ok := s.stmts[query]; ok {
		return cached, nil
	}

	prepared, err := s.db.PreparexContext(ctx, query)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "store", "failed to prepare statement", err)
	}

	if len(s.stmts) >= s.stmtLimit {
		for k, victim := range s.stmts {
			victim.Close()
			delete(s.stmts, k)
			break
		}
	}
	s.stmts[query] = prepared
	return prepared, nil
}

// Get scans a single row into dest, using the prepared-statement cache
// outside transactions and the ambient transaction inside one.
func (s *Store) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx.GetContext(ctx, dest, query, args...)
	}
	stmt, err := s.stmt(ctx, query)
	if err != nil {
		return err
	}
	return stmt.GetContext(ctx, dest, args...)
}

// Select scans all rows into dest, routing through the same cache or
// ambient transaction as Get.
func (s *Store) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx.SelectContext(ctx, dest, query, args...)
	}
	stmt, err := s.stmt(ctx, query)
	if err != nil {
		return err
	}
	return stmt.SelectContext(ctx, dest, args...)
}

// Exec executes a statement outside or inside the ambient transaction
func (s *Store) Exec(ctx context.Context, query string, args ...interface{}) error {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// HealthCheck issues a trivial read against the store
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return errors.New(errors.CodeStoreError, "store", "health check failed", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	// Pure-Go SQLite driver (no CGO).
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by lookups whose subject row does not exist.
var ErrNotFound = errors.New("store: not found")

// Bounded backoff for transient SQLITE_BUSY/SQLITE_LOCKED failures. The
// busy_timeout pragma absorbs most contention; this layer covers the rest.
const (
	busyRetryBase = 25 * time.Millisecond
	busyRetryMax  = 5
)

// Store is the sole writer to the request database. Every write happens in
// its own transaction; unique-key collisions on natural keys are converted
// into "reuse existing id".
type Store struct {
	db             *sql.DB
	logger         *slog.Logger
	defaultPolicy  DomainPolicy
	defaultTimeout time.Duration
}

// Options configures Open. Zero values fall back to slog.Default,
// DefaultPolicy, and DefaultDomainTimeout.
type Options struct {
	Logger *slog.Logger

	// DefaultPolicy seeds the domain_policy row for newly seen domains.
	DefaultPolicy *DomainPolicy

	// DefaultTimeout is the retry interval assumed for domains that have no
	// domain_timeout row yet when a failure is recorded.
	DefaultTimeout time.Duration
}

// Open opens (creating if needed) the SQLite database at dbPath, applies
// pending migrations, and returns a ready Store. The database runs in WAL
// mode with synchronous=FULL for crash-safe durability.
func Open(dbPath string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	defPolicy := DefaultPolicy()
	if opts.DefaultPolicy != nil {
		defPolicy = *opts.DefaultPolicy
	}

	defTimeout := opts.DefaultTimeout
	if defTimeout <= 0 {
		defTimeout = DefaultDomainTimeout
	}

	logger.Info("store initialized", slog.String("db_path", dbPath))

	return &Store{
		db:             db,
		logger:         logger,
		defaultPolicy:  defPolicy,
		defaultTimeout: defTimeout,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying the whole transaction with
// bounded backoff when SQLite reports the database busy or locked.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(busyRetryMax, retry.NewFibonacci(busyRetryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.runTx(ctx, fn)
		if isBusy(err) {
			s.logger.Debug("database busy, retrying transaction")
			return retry.RetryableError(err)
		}

		return err
	})
}

// runTx executes fn in a single transaction, rolling back on error.
func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	return nil
}

// isBusy reports whether err is a transient SQLITE_BUSY or SQLITE_LOCKED
// failure worth retrying. Extended result codes share the low byte.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}

	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}

	return false
}

// ---------------------------------------------------------------------------
// Nullable helpers: zero int / empty string → NULL in SQLite.
// ---------------------------------------------------------------------------

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

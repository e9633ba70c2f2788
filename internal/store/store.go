// Package store is podium's persistence layer: the task registry, the
// per-sample result store, the leaderboard cache, and the admin audit log,
// all backed by one SQL database. SQLite is the default; a postgres:// DSN
// switches to PostgreSQL. All queries are written with ? placeholders and
// rebound per driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Driver names understood by Open.
const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "pgx"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Store wraps the database handle. Methods are safe for concurrent use; the
// heavy lifting is delegated to the database's own locking.
type Store struct {
	db      *sqlx.DB
	dialect string
	logger  *zap.Logger

	// now is stubbed in tests that need deterministic timestamps.
	now func() time.Time
}

// Open connects to the database named by dsn, applies pragmas and
// migrations, and returns a ready Store.
func Open(dsn string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialect := dialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = dialectPostgres
	}

	db, err := sqlx.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	if dialect == dialectSQLite {
		// SQLite wants a single writer; WAL keeps readers unblocked.
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA foreign_keys = ON",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	} else {
		if opts.MaxOpenConns <= 0 {
			opts.MaxOpenConns = 10
		}
		if opts.MaxIdleConns <= 0 {
			opts.MaxIdleConns = 5
		}
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store ready",
		zap.String("dialect", dialect),
		zap.Int("schema_version", CurrentSchemaVersion))
	return s, nil
}

// OpenMemory opens a throwaway in-memory SQLite store for tests and local
// experiments.
func OpenMemory(logger *zap.Logger) (*Store, error) {
	return Open(":memory:", Options{}, logger)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind converts ? placeholders to the driver's native form.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// isUniqueViolation recognizes unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// inClause expands a query containing IN (?) for the given slice args.
func (s *Store) inClause(query string, args ...interface{}) (string, []interface{}, error) {
	q, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand IN clause: %w", err)
	}
	return s.rebind(q), expanded, nil
}

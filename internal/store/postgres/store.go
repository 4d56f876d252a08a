// Package postgres implements store.Store on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq" // driver

	"github.com/floorops/floorops/internal/config"
	"github.com/floorops/floorops/internal/domain"
	"github.com/floorops/floorops/internal/store"
)

const component = "postgres"

// uniqueViolation is the SQLSTATE for unique constraint failures; the
// dispatch ledger and the seat CAS both lean on it.
const uniqueViolation = "23505"

// Store is the production store.Store backed by PostgreSQL.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

var _ store.Store = (*Store)(nil)

// Open connects, configures the pool, and pings with a bounded deadline.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}, nil
}

// NewWithDB wraps an existing connection, for tests and migrations tooling.
func NewWithDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports state-store health; callers treat failure as KindUnavailable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "ping failed", err)
	}
	return nil
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isUnique reports whether err is a unique-constraint violation.
func isUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// notFound converts sql.ErrNoRows into the typed not-found error.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ef(domain.KindNotFound, component, format, args...)
	}
	return domain.Wrap(domain.KindUnavailable, component, fmt.Sprintf(format, args...), err)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindUnavailable, component, "failed to commit transaction", err)
	}
	return nil
}

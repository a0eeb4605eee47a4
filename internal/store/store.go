// Package store is the durable persistence layer for blacklist records,
// credentials, history, status, and settings. It wraps a bounded Postgres
// connection pool and applies retry-with-backoff to transient failures.
package store

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool is the subset of *pgxpool.Pool the store depends on. It exists so
// tests can substitute a pgxmock pool without a live database.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store is the durable persistence layer backing the Collector, Lifecycle
// Engine, and Query Service.
type Store struct {
	pool   DBPool
	logger *slog.Logger
}

// Page bounds a list query by limit/offset. Callers (typically
// pkg/query) translate request-level pagination parameters into a Page.
type Page struct {
	Limit  int
	Offset int
}

// New wraps an existing pool. Callers construct the pool via
// internal/platform.NewPostgresPool so that pool sizing stays in one place.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// NewWithPool wraps any DBPool implementation — used by tests to inject a
// pgxmock pool.
func NewWithPool(pool DBPool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ErrorKind classifies a StoreError for the caller's recovery policy.
type ErrorKind string

const (
	ErrKindTransient   ErrorKind = "transient"
	ErrKindIntegrity   ErrorKind = "integrity"
	ErrKindSchema      ErrorKind = "schema"
	ErrKindUnavailable ErrorKind = "unavailable"
)

// StoreError wraps a persistence failure with a classification that callers
// use to decide whether to retry.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return "store: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// classify maps a raw pgx/pgconn error to an ErrorKind.
func classify(err error) ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "23": // integrity_constraint_violation
			return ErrKindIntegrity
		case "42": // syntax_error_or_access_rule_violation
			return ErrKindSchema
		case "53", "57", "58": // resource, operator intervention, system
			return ErrKindUnavailable
		case "08": // connection_exception
			return ErrKindTransient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, pgx.ErrTxClosed) {
		return ErrKindTransient
	}
	return ErrKindTransient
}

// wrapErr classifies err and wraps it as a *StoreError, unless it is
// pgx.ErrNoRows which callers are expected to check for directly.
func wrapErr(op string, err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return &StoreError{Kind: classify(err), Op: op, Err: err}
}

const (
	maxRetries     = 3
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry calls fn up to maxRetries times in total, with exponential backoff when
// the failure classifies as transient. Integrity/schema errors fail fast.
func withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		lastErr = wrapErr(op, err)

		var se *StoreError
		if errors.As(lastErr, &se) && se.Kind != ErrKindTransient {
			return lastErr
		}

		if attempt == maxRetries-1 {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// Package relstore is the relational store adapter (spec C2): a pooled
// Postgres client, explicit transaction scopes, and a hash-keyed advisory
// lock used by the pairing registry (C13) to serialize concurrent writers
// for the same chassis number.
package relstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrStoreUnavailable is returned when the database connection is down.
var ErrStoreUnavailable = errors.New("relstore: store unavailable")

// ErrIntegrityViolation is returned for unique/foreign-key constraint failures.
var ErrIntegrityViolation = errors.New("relstore: integrity violation")

// ErrNoRows is returned when a query expected to return a row returned none.
var ErrNoRows = pgx.ErrNoRows

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting callers write
// query helpers that work identically inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a pgx connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// WithTx runs fn inside a BEGIN/COMMIT/ROLLBACK transaction scope. On any
// error returned by fn, the transaction is rolled back and the error
// propagated; otherwise the transaction is committed.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrStoreUnavailable, err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return TranslateError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", ErrStoreUnavailable, err)
	}
	committed = true
	return nil
}

// AdvisoryTryLock acquires a transaction-scoped advisory lock derived from a
// hash of key, without blocking. The lock is automatically released on
// COMMIT/ROLLBACK. Returns whether the lock was acquired.
func AdvisoryTryLock(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var acquired bool
	err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock(hashtext($1))", key).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("%w: acquiring advisory lock: %v", ErrStoreUnavailable, err)
	}
	return acquired, nil
}

// TranslateError maps a raw pgx/driver error to the relstore error taxonomy.
// Unique and foreign-key violations become ErrIntegrityViolation; everything
// else not already in the taxonomy is wrapped as ErrStoreUnavailable.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIntegrityViolation) || errors.Is(err, ErrStoreUnavailable) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23514": // unique_violation, foreign_key_violation, check_violation
			return fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

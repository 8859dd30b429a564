// Package postgres stores devices, pallets, the event ledger and ICCID
// generation batches in PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/traceability/internal/device"
	"github.com/JonMunkholm/traceability/internal/ledger"
)

//go:embed schema.sql
var schema string

// DBTX is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store implements device.Store and ledger.Ledger. Device writes and their
// events share one transaction.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ device.Store  = (*Store)(nil)
	_ ledger.Ledger = (*Store)(nil)
)

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables, indexes and triggers if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

const codeUniqueViolation = "23505"

// mapError translates driver errors into the device package sentinels.
// Unique violations become *device.ConflictError; timeouts and lost
// connections become device.ErrUnavailable. A bare context error is the
// caller's own cancellation or deadline and passes through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		switch pgErr.ConstraintName {
		case "devices_iccid_key":
			return &device.ConflictError{Field: "iccid", Value: detailValue(pgErr.Detail)}
		default:
			return &device.ConflictError{Field: "imei", Value: detailValue(pgErr.Detail)}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && !pgconn.Timeout(err) {
		return err
	}
	var connErr *pgconn.ConnectError
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", device.ErrUnavailable, err)
	}
	return err
}

// detailValue extracts the key value from a unique violation detail such
// as `Key (imei)=(490154203237518) already exists.`
func detailValue(detail string) string {
	i := strings.Index(detail, "=(")
	if i < 0 {
		return ""
	}
	rest := detail[i+2:]
	if j := strings.Index(rest, ")"); j >= 0 {
		return rest[:j]
	}
	return rest
}

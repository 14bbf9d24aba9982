package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres test database and its pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness boots (or reuses) a Postgres 16 database and applies the
// embedded migrations. A reused database gets its own schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, pgC.Shared())
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Harness{
		container: pgC,
		pool:      pool,
		teardown:  teardown,
		dsn:       dsn,
	}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables and restores the issuance account. TRUNCATE
// skips the per-row agreement guard.
func (h *Harness) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const truncate = `TRUNCATE TABLE timeline_events, agreements, ledger_entries, accounts, outbox, idempotency, users CASCADE`
	if _, err := tx.Exec(ctx, truncate); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO accounts (kind) VALUES ('issuance')`); err != nil {
		return fmt.Errorf("restore issuance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}

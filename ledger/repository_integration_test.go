package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"legacyvault/custody"
	"legacyvault/migrations"
)

// TestLedger_Integration connects to a real PostgreSQL via DATABASE_URL and
// checks that transfers balance and never overdraw.
func TestLedger_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	repo := NewRepository(pool)
	alice := fmt.Sprintf("alice-%d", time.Now().UnixNano())
	bob := fmt.Sprintf("bob-%d", time.Now().UnixNano())

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := repo.Faucet(ctx, tx, alice, 1_000); err != nil {
		t.Fatalf("faucet: %v", err)
	}
	escrowID, err := repo.OpenEscrow(ctx, tx)
	if err != nil {
		t.Fatalf("open escrow: %v", err)
	}
	aliceWallet, err := repo.EnsureWallet(ctx, tx, alice)
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	again, err := repo.EnsureWallet(ctx, tx, alice)
	if err != nil || again != aliceWallet {
		t.Fatalf("ensure wallet is not idempotent: %q vs %q (%v)", again, aliceWallet, err)
	}

	if _, err := repo.Move(ctx, tx, aliceWallet, escrowID, 600, "deposit"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := repo.Move(ctx, tx, aliceWallet, escrowID, 401, "deposit"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := repo.Move(ctx, tx, aliceWallet, escrowID, 0, "deposit"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	if err := repo.Transferer(tx, escrowID, "withdraw").Transfer(ctx, custody.Identity(bob), 600); err != nil {
		t.Fatalf("escrow transfer: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	escrow, err := repo.GetByID(ctx, escrowID)
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if escrow.Balance != 0 || escrow.Kind != KindEscrow {
		t.Fatalf("unexpected escrow state: %+v", escrow)
	}
	bobWallet, err := repo.GetWallet(ctx, bob)
	if err != nil {
		t.Fatalf("get bob wallet: %v", err)
	}
	if bobWallet.Balance != 600 {
		t.Fatalf("expected bob balance 600, got %d", bobWallet.Balance)
	}
	entries, err := repo.Entries(ctx, bobWallet.ID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Delta != 600 || entries[0].Memo != "withdraw" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if _, err := repo.GetWallet(ctx, "nobody-"+bob); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAccountNotFound signals the requested account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientFunds signals the source account cannot cover a transfer.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrSameAccount signals a transfer whose source and destination match.
	ErrSameAccount = errors.New("ledger: source and destination are the same account")
)

// Repository is a double-entry ledger stored in PostgreSQL. Mutations run in
// the caller's transaction so they commit or roll back together with the
// caller's own writes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accountColumns = `id::text, owner_id, kind, balance, created_at`

// EnsureWallet returns the wallet account of ownerID, opening it if needed.
func (r *Repository) EnsureWallet(ctx context.Context, tx pgx.Tx, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("ledger: wallet owner required")
	}

	const insertSQL = `
INSERT INTO accounts (owner_id, kind)
VALUES ($1, 'wallet')
ON CONFLICT (owner_id) WHERE kind = 'wallet' DO NOTHING
`
	if _, err := tx.Exec(ctx, insertSQL, ownerID); err != nil {
		return "", fmt.Errorf("ledger: open wallet: %w", err)
	}

	var id string
	if err := tx.QueryRow(ctx, `SELECT id::text FROM accounts WHERE owner_id = $1 AND kind = 'wallet'`, ownerID).Scan(&id); err != nil {
		return "", fmt.Errorf("ledger: load wallet: %w", err)
	}
	return id, nil
}

// OpenEscrow opens a fresh escrow account.
func (r *Repository) OpenEscrow(ctx context.Context, tx pgx.Tx) (string, error) {
	var id string
	if err := tx.QueryRow(ctx, `INSERT INTO accounts (kind) VALUES ('escrow') RETURNING id::text`).Scan(&id); err != nil {
		return "", fmt.Errorf("ledger: open escrow: %w", err)
	}
	return id, nil
}

// Move transfers amount from one account to another and returns the
// transfer ID. Both accounts are locked in a fixed order.
func (r *Repository) Move(ctx context.Context, tx pgx.Tx, fromID, toID string, amount int64, memo string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if fromID == toID {
		return "", ErrSameAccount
	}

	const lockSQL = `
SELECT id::text, kind, balance
FROM accounts
WHERE id = ANY($1::uuid[])
ORDER BY id
FOR UPDATE
`
	rows, err := tx.Query(ctx, lockSQL, []string{fromID, toID})
	if err != nil {
		return "", fmt.Errorf("ledger: lock accounts: %w", err)
	}
	locked := make(map[string]Account, 2)
	for rows.Next() {
		var acc Account
		if err := rows.Scan(&acc.ID, &acc.Kind, &acc.Balance); err != nil {
			rows.Close()
			return "", fmt.Errorf("ledger: scan account: %w", err)
		}
		locked[acc.ID] = acc
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("ledger: iterate accounts: %w", err)
	}

	from, ok := locked[fromID]
	if !ok {
		return "", ErrAccountNotFound
	}
	if _, ok := locked[toID]; !ok {
		return "", ErrAccountNotFound
	}
	if from.Kind != KindIssuance && from.Balance < amount {
		return "", ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2 WHERE id = $1`, fromID, amount); err != nil {
		return "", fmt.Errorf("ledger: debit: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1`, toID, amount); err != nil {
		return "", fmt.Errorf("ledger: credit: %w", err)
	}

	transferID := uuid.NewString()
	const entrySQL = `
INSERT INTO ledger_entries (transfer_id, account_id, delta, memo)
VALUES ($1, $2, $3, $5), ($1, $4, $6, $5)
`
	if _, err := tx.Exec(ctx, entrySQL, transferID, fromID, -amount, toID, memo, amount); err != nil {
		return "", fmt.Errorf("ledger: insert entries: %w", err)
	}

	return transferID, nil
}

// Faucet mints amount from the issuance account into the wallet of ownerID.
func (r *Repository) Faucet(ctx context.Context, tx pgx.Tx, ownerID string, amount int64) (string, error) {
	walletID, err := r.EnsureWallet(ctx, tx, ownerID)
	if err != nil {
		return "", err
	}
	var issuanceID string
	if err := tx.QueryRow(ctx, `SELECT id::text FROM accounts WHERE kind = 'issuance'`).Scan(&issuanceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("ledger: load issuance: %w", err)
	}
	return r.Move(ctx, tx, issuanceID, walletID, amount, "faucet")
}

// GetByID fetches an account outside any transaction.
func (r *Repository) GetByID(ctx context.Context, id string) (Account, error) {
	return r.scanOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

// GetWallet fetches the wallet of ownerID outside any transaction.
func (r *Repository) GetWallet(ctx context.Context, ownerID string) (Account, error) {
	return r.scanOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 AND kind = 'wallet'`, ownerID)
}

// Entries lists the entries posted to an account, newest first.
func (r *Repository) Entries(ctx context.Context, accountID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
SELECT transfer_id::text, account_id::text, delta, memo, created_at
FROM ledger_entries
WHERE account_id = $1
ORDER BY id DESC
LIMIT $2
`
	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TransferID, &e.AccountID, &e.Delta, &e.Memo, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return entries, nil
}

func (r *Repository) scanOne(ctx context.Context, query string, arg string) (Account, error) {
	var acc Account
	err := r.pool.QueryRow(ctx, query, arg).Scan(&acc.ID, &acc.OwnerID, &acc.Kind, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ledger: get account: %w", err)
	}
	return acc, nil
}

// OpenWallet opens the wallet of ownerID in its own transaction.
func (r *Repository) OpenWallet(ctx context.Context, ownerID string) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := r.EnsureWallet(ctx, tx, ownerID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("ledger: commit tx: %w", err)
	}
	return id, nil
}

// FundWallet mints amount into the wallet of ownerID in its own transaction.
func (r *Repository) FundWallet(ctx context.Context, ownerID string, amount int64) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	transferID, err := r.Faucet(ctx, tx, ownerID, amount)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("ledger: commit tx: %w", err)
	}
	return transferID, nil
}

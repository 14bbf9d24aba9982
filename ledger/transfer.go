package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"

	"legacyvault/custody"
)

// EscrowTransferer pays out of one escrow account inside a transaction. It
// satisfies custody.Transferer.
type EscrowTransferer struct {
	repo     *Repository
	tx       pgx.Tx
	escrowID string
	memo     string
}

// Transferer returns a custody.Transferer paying from escrowID within tx.
func (r *Repository) Transferer(tx pgx.Tx, escrowID, memo string) custody.Transferer {
	return &EscrowTransferer{repo: r, tx: tx, escrowID: escrowID, memo: memo}
}

func (t *EscrowTransferer) Transfer(ctx context.Context, to custody.Identity, amount custody.Amount) error {
	walletID, err := t.repo.EnsureWallet(ctx, t.tx, string(to))
	if err != nil {
		return err
	}
	_, err = t.repo.Move(ctx, t.tx, t.escrowID, walletID, int64(amount), t.memo)
	return err
}

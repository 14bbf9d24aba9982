package ledger

import "time"

// Kind distinguishes who an account belongs to.
type Kind string

const (
	// KindWallet accounts belong to a single identity.
	KindWallet Kind = "wallet"
	// KindEscrow accounts hold the balance of one custody agreement.
	KindEscrow Kind = "escrow"
	// KindIssuance is the single account value is minted from. It is the only
	// account allowed to go negative.
	KindIssuance Kind = "issuance"
)

// Account mirrors the accounts table.
type Account struct {
	ID        string
	OwnerID   *string
	Kind      Kind
	Balance   int64
	CreatedAt time.Time
}

// Entry is one leg of a transfer.
type Entry struct {
	TransferID string
	AccountID  string
	Delta      int64
	Memo       string
	CreatedAt  time.Time
}

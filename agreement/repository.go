package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"legacyvault/custody"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("agreement: duplicate idempotency key")
	// ErrIdempotencyKeyReused signals an existing key was sent with different parameters.
	ErrIdempotencyKeyReused = errors.New("agreement: idempotency key reused with different parameters")
	// ErrAgreementNotFound is returned when no agreement row exists for the provided identifier.
	ErrAgreementNotFound = errors.New("agreement: not found")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const recordColumns = `id::text, owner_id, beneficiary_id, withdrawal_period_seconds, checkin_window_seconds,
       last_check_in_at, balance, state, escrow_account_id::text, created_at, updated_at`

// InsertIdempotencyKey attempts to reserve the idempotency key inside the
// active transaction. An existing key yields ErrDuplicateIdempotencyKey when
// its fingerprint matches and ErrIdempotencyKeyReused otherwise.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key, fingerprint string) error {
	if key == "" {
		return fmt.Errorf("agreement: empty idempotency key")
	}

	const insertSQL = `INSERT INTO idempotency (key, fingerprint) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`
	tag, err := tx.Exec(ctx, insertSQL, key, fingerprint)
	if err != nil {
		return fmt.Errorf("agreement: insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var stored string
	if err := tx.QueryRow(ctx, `SELECT fingerprint FROM idempotency WHERE key = $1`, key).Scan(&stored); err != nil {
		return fmt.Errorf("agreement: load idempotency key: %w", err)
	}
	if stored != fingerprint {
		return ErrIdempotencyKeyReused
	}
	return ErrDuplicateIdempotencyKey
}

// Insert stores a new agreement row and returns it with server timestamps.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
INSERT INTO agreements (id, owner_id, beneficiary_id, withdrawal_period_seconds, checkin_window_seconds,
                        last_check_in_at, balance, state, escrow_account_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + recordColumns

	row := tx.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.OwnerID,
		rec.BeneficiaryID,
		seconds(rec.WithdrawalPeriod),
		seconds(rec.CheckInWindow),
		rec.LastCheckInAt,
		rec.Balance,
		rec.State.String(),
		rec.EscrowAccountID,
	)
	out, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return out, nil
}

// LockByID loads an agreement and holds its row lock until tx ends.
func (r *Repository) LockByID(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrAgreementNotFound
	}
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAgreementNotFound
		}
		return Record{}, fmt.Errorf("agreement: lock: %w", err)
	}
	return rec, nil
}

// Update persists the mutable columns of rec.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const updateSQL = `
UPDATE agreements
SET last_check_in_at = $2,
    balance = $3,
    state = $4,
    updated_at = now()
WHERE id = $1
RETURNING ` + recordColumns

	out, err := scanRecord(tx.QueryRow(ctx, updateSQL, rec.ID, rec.LastCheckInAt, rec.Balance, rec.State.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAgreementNotFound
		}
		return Record{}, fmt.Errorf("agreement: update: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec           Record
		periodSeconds int64
		windowSeconds int64
		state         string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.BeneficiaryID,
		&periodSeconds,
		&windowSeconds,
		&rec.LastCheckInAt,
		&rec.Balance,
		&state,
		&rec.EscrowAccountID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	st, ok := custody.ParseState(state)
	if !ok {
		return Record{}, fmt.Errorf("agreement: unknown state %q", state)
	}
	rec.State = st
	rec.WithdrawalPeriod = time.Duration(periodSeconds) * time.Second
	rec.CheckInWindow = time.Duration(windowSeconds) * time.Second
	return rec, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func mustJSON(payload map[string]any) []byte {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return b
}

// validID keeps malformed IDs away from the uuid column, where they would
// surface as a cast error instead of a missing row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Claim locks up to limit pending rows, oldest first. Rows locked by another
// relay are skipped.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
SELECT id::text, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	return msgs, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = now() WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

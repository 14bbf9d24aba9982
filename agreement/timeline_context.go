package agreement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AppendTimeline records an event for agreementID. The next sequence number
// is derived from existing rows, so the caller must hold the agreement row lock.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["agreement_id"] = agreementID

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, seq, type, actor_id, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4::jsonb
FROM timeline_events
WHERE agreement_id = $1
`
	if _, err := tx.Exec(ctx, insertSQL, agreementID, eventType, actor, string(mustJSON(payload))); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a message for the relay inside tx.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("agreement: outbox topic required")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, string(mustJSON(payload))); err != nil {
		return fmt.Errorf("agreement: insert outbox message: %w", err)
	}
	return nil
}

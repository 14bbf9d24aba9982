package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the read side of pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CRUDService reads agreements outside any transaction.
type CRUDService struct {
	db Querier
}

func NewCRUDService(db Querier) *CRUDService {
	return &CRUDService{db: db}
}

func (s *CRUDService) Get(ctx context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrAgreementNotFound
	}
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM agreements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAgreementNotFound
		}
		return Record{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

// List returns a page of agreements where the party is owner or
// beneficiary, newest first, plus the total count.
func (s *CRUDService) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	if filters.PartyID == "" {
		return nil, 0, fmt.Errorf("agreement: party id required")
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `
SELECT ` + recordColumns + `
FROM agreements
WHERE owner_id = $1 OR beneficiary_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`
	rows, err := s.db.Query(ctx, query, filters.PartyID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("agreement: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("agreement: list: %w", err)
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM agreements WHERE owner_id = $1 OR beneficiary_id = $1`, filters.PartyID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("agreement: count: %w", err)
	}

	return records, total, nil
}

// Timeline returns the events of an agreement in sequence order.
func (s *CRUDService) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	const query = `
SELECT id, agreement_id::text, seq, type, actor_id, created_at, payload
FROM timeline_events
WHERE agreement_id = $1
ORDER BY seq
`
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("agreement: timeline: %w", err)
	}
	defer rows.Close()

	events := []TimelineEvent{}
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.CreatedAt, &ev.Payload); err != nil {
			return nil, fmt.Errorf("agreement: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: timeline: %w", err)
	}
	return events, nil
}

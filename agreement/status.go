package agreement

import (
	"context"
	"fmt"
	"time"

	"legacyvault/custody"
)

// RecordGetter loads a single agreement.
type RecordGetter interface {
	Get(ctx context.Context, id string) (Record, error)
}

// Status is the read-only view of an agreement at a point in time.
type Status struct {
	Record
	CanWithdraw bool
	Deadline    time.Time
}

// StatusService answers the read-only queries. It never takes row locks, so
// answers may be stale by the time a caller acts on them.
type StatusService struct {
	records RecordGetter
	now     func() time.Time
}

func NewStatusService(records RecordGetter) *StatusService {
	return &StatusService{records: records, now: time.Now}
}

// WithClock overrides the time source for deterministic tests.
func (s *StatusService) WithClock(now func() time.Time) *StatusService {
	if now != nil {
		s.now = now
	}
	return s
}

// Status is always answerable, including after termination.
func (s *StatusService) Status(ctx context.Context, id string) (Status, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Record: rec, Deadline: rec.Deadline()}
	if rec.Active() {
		st.CanWithdraw = !s.now().Before(st.Deadline)
	}
	return st, nil
}

func (s *StatusService) IsActive(ctx context.Context, id string) (bool, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Active(), nil
}

// CanWithdraw fails with custody.ErrAlreadyTerminated once the agreement is
// terminated.
func (s *StatusService) CanWithdraw(ctx context.Context, id string) (bool, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return false, err
	}
	core, err := custody.Restore(rec.snapshot())
	if err != nil {
		return false, fmt.Errorf("agreement: restore %s: %w", id, err)
	}
	return core.CanWithdraw(s.now())
}

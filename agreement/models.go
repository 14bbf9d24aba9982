package agreement

import (
	"time"

	"legacyvault/custody"
)

// Record mirrors the agreements table.
type Record struct {
	ID               string
	OwnerID          string
	BeneficiaryID    string
	WithdrawalPeriod time.Duration
	CheckInWindow    time.Duration
	LastCheckInAt    time.Time
	Balance          int64
	State            custody.State
	EscrowAccountID  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the agreement still accepts operations.
func (r Record) Active() bool {
	return r.State == custody.StateActive
}

// Deadline is the earliest instant the beneficiary may withdraw.
func (r Record) Deadline() time.Time {
	return r.LastCheckInAt.Add(r.CheckInWindow).Add(r.WithdrawalPeriod)
}

func (r Record) snapshot() custody.Snapshot {
	return custody.Snapshot{
		Owner:            custody.Identity(r.OwnerID),
		Beneficiary:      custody.Identity(r.BeneficiaryID),
		WithdrawalPeriod: r.WithdrawalPeriod,
		CheckInWindow:    r.CheckInWindow,
		LastCheckIn:      r.LastCheckInAt,
		Balance:          custody.Amount(r.Balance),
		State:            r.State,
	}
}

// apply copies the mutable part of an agreement back onto the record.
func (r Record) apply(a *custody.Agreement) Record {
	s := a.Snapshot()
	r.LastCheckInAt = s.LastCheckIn
	r.Balance = int64(s.Balance)
	r.State = s.State
	return r
}

// TimelineEvent captures an immutable business event for an agreement.
type TimelineEvent struct {
	ID          int64
	AgreementID string
	Seq         int
	Type        string
	ActorID     *string
	CreatedAt   time.Time
	Payload     []byte
}

// CreateParams are the inputs of Service.Create. OwnerID is the caller.
type CreateParams struct {
	OwnerID          string
	BeneficiaryID    string
	WithdrawalPeriod time.Duration
	Deposit          int64
}

// CheckInParams are the inputs of Service.CheckIn.
type CheckInParams struct {
	AgreementID    string
	CallerID       string
	Value          int64
	IdempotencyKey string
}

// ListFilters narrows List to agreements a party takes part in.
type ListFilters struct {
	PartyID  string
	Page     int
	PageSize int
}

const (
	EventCreated    = "AGREEMENT_CREATED"
	EventCheckedIn  = "CHECKED_IN"
	EventWithdrawn  = "WITHDRAWN"
	EventTerminated = "TERMINATED"
)

const (
	// OutboxTopicCreated is published when an agreement is funded and opened.
	OutboxTopicCreated    = "agreement.created"
	OutboxTopicCheckedIn  = "agreement.checked_in"
	OutboxTopicWithdrawn  = "agreement.withdrawn"
	OutboxTopicTerminated = "agreement.terminated"
)

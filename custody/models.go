package custody

import (
	"context"
	"errors"
	"time"
)

// DefaultCheckInWindow is how long after the last check-in the owner is
// considered to have missed it, before any withdrawal period is added.
const DefaultCheckInWindow = 48 * time.Hour

var (
	ErrAlreadyTerminated    = errors.New("custody: agreement already terminated")
	ErrNotOwner             = errors.New("custody: caller is not the owner")
	ErrNotBeneficiary       = errors.New("custody: caller is not the beneficiary")
	ErrWithdrawalNotAllowed = errors.New("custody: withdrawal not allowed yet")

	ErrInvalidAmount   = errors.New("custody: amount must not be negative")
	ErrInvalidPeriod   = errors.New("custody: period must be whole non-negative seconds")
	ErrMissingParty    = errors.New("custody: owner and beneficiary are required")
	ErrBalanceOverflow = errors.New("custody: balance overflow")
)

// Identity is an account identifier as supplied by the execution
// environment. Comparisons are exact.
type Identity string

// Amount is a quantity of the custodied asset in its smallest unit.
type Amount int64

// State is the lifecycle state of an agreement.
type State uint8

const (
	StateActive State = iota
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	switch s {
	case "active":
		return StateActive, true
	case "terminated":
		return StateTerminated, true
	default:
		return 0, false
	}
}

// Call carries what the environment knows about one invocation.
type Call struct {
	Caller Identity
	Now    time.Time
}

// Transferer moves value held by an agreement to a recipient. An
// implementation either moves the full amount or returns an error having
// moved nothing.
type Transferer interface {
	Transfer(ctx context.Context, to Identity, amount Amount) error
}

// TransferFunc adapts a function to Transferer.
type TransferFunc func(ctx context.Context, to Identity, amount Amount) error

func (f TransferFunc) Transfer(ctx context.Context, to Identity, amount Amount) error {
	return f(ctx, to, amount)
}

// Params are the creation parameters of an agreement.
type Params struct {
	Owner            Identity
	Beneficiary      Identity
	WithdrawalPeriod time.Duration
	InitialDeposit   Amount
	CreatedAt        time.Time

	// CheckInWindow defaults to DefaultCheckInWindow when zero.
	CheckInWindow time.Duration
}

// Snapshot is the persistent record of an agreement. It can be restored
// into an Agreement with Restore.
type Snapshot struct {
	Owner            Identity
	Beneficiary      Identity
	WithdrawalPeriod time.Duration
	CheckInWindow    time.Duration
	LastCheckIn      time.Time
	Balance          Amount
	State            State
}

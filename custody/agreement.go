package custody

import (
	"context"
	"math"
	"sync"
	"time"
)

// Agreement is a single custody agreement. The zero value is not usable;
// construct with Create or Restore.
type Agreement struct {
	// Immutable after construction.
	owner            Identity
	beneficiary      Identity
	withdrawalPeriod time.Duration
	checkInWindow    time.Duration

	// mu guards the fields below.
	mu          sync.Mutex
	lastCheckIn time.Time
	balance     Amount
	state       State
}

// Create validates p and returns a new active agreement owned by p.Owner
// whose deadline clock starts at p.CreatedAt.
func Create(p Params) (*Agreement, error) {
	if p.Owner == "" || p.Beneficiary == "" {
		return nil, ErrMissingParty
	}
	if !wholeSeconds(p.WithdrawalPeriod) {
		return nil, ErrInvalidPeriod
	}
	window := p.CheckInWindow
	if window == 0 {
		window = DefaultCheckInWindow
	}
	if !wholeSeconds(window) {
		return nil, ErrInvalidPeriod
	}
	if p.InitialDeposit < 0 {
		return nil, ErrInvalidAmount
	}
	return &Agreement{
		owner:            p.Owner,
		beneficiary:      p.Beneficiary,
		withdrawalPeriod: p.WithdrawalPeriod,
		checkInWindow:    window,
		lastCheckIn:      p.CreatedAt,
		balance:          p.InitialDeposit,
		state:            StateActive,
	}, nil
}

// Restore rebuilds an agreement from a snapshot taken with Snapshot. The
// snapshot is trusted to have come from a valid agreement apart from the
// checks below.
func Restore(s Snapshot) (*Agreement, error) {
	if s.Owner == "" || s.Beneficiary == "" {
		return nil, ErrMissingParty
	}
	if s.Balance < 0 {
		return nil, ErrInvalidAmount
	}
	if s.WithdrawalPeriod < 0 || s.CheckInWindow <= 0 {
		return nil, ErrInvalidPeriod
	}
	if s.State == StateTerminated && s.Balance != 0 {
		return nil, ErrInvalidAmount
	}
	return &Agreement{
		owner:            s.Owner,
		beneficiary:      s.Beneficiary,
		withdrawalPeriod: s.WithdrawalPeriod,
		checkInWindow:    s.CheckInWindow,
		lastCheckIn:      s.LastCheckIn,
		balance:          s.Balance,
		state:            s.State,
	}, nil
}

func (a *Agreement) Owner() Identity                 { return a.owner }
func (a *Agreement) Beneficiary() Identity           { return a.beneficiary }
func (a *Agreement) WithdrawalPeriod() time.Duration { return a.withdrawalPeriod }
func (a *Agreement) CheckInWindow() time.Duration    { return a.checkInWindow }

func (a *Agreement) LastCheckIn() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCheckIn
}

func (a *Agreement) Balance() Amount {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// IsActive reports whether the agreement has not been terminated. Unlike
// every other operation it is valid after termination.
func (a *Agreement) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == StateActive
}

// Snapshot returns the agreement's persistent record.
func (a *Agreement) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Owner:            a.owner,
		Beneficiary:      a.beneficiary,
		WithdrawalPeriod: a.withdrawalPeriod,
		CheckInWindow:    a.checkInWindow,
		LastCheckIn:      a.lastCheckIn,
		Balance:          a.balance,
		State:            a.state,
	}
}

// Deadline is the earliest time at which the beneficiary may withdraw if
// the owner does not check in again.
func (a *Agreement) Deadline() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadline()
}

func (a *Agreement) deadline() time.Time {
	return a.lastCheckIn.Add(a.checkInWindow).Add(a.withdrawalPeriod)
}

// CheckIn records the owner's liveness at call.Now and adds value to the
// balance. value may be zero.
func (a *Agreement) CheckIn(call Call, value Amount) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateTerminated {
		return ErrAlreadyTerminated
	}
	if call.Caller != a.owner {
		return ErrNotOwner
	}
	if value < 0 {
		return ErrInvalidAmount
	}
	if a.balance > math.MaxInt64-value {
		return ErrBalanceOverflow
	}

	if call.Now.After(a.lastCheckIn) {
		a.lastCheckIn = call.Now
	}
	a.balance += value
	return nil
}

// CanWithdraw reports whether the beneficiary may withdraw at now.
func (a *Agreement) CanWithdraw(now time.Time) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateTerminated {
		return false, ErrAlreadyTerminated
	}
	return a.canWithdraw(now), nil
}

func (a *Agreement) canWithdraw(now time.Time) bool {
	return !now.Before(a.deadline())
}

// Withdraw transfers the whole balance to the beneficiary and returns the
// amount moved. The agreement stays active; later check-ins re-arm it.
func (a *Agreement) Withdraw(ctx context.Context, call Call, t Transferer) (Amount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateTerminated {
		return 0, ErrAlreadyTerminated
	}
	if call.Caller != a.beneficiary {
		return 0, ErrNotBeneficiary
	}
	if !a.canWithdraw(call.Now) {
		return 0, ErrWithdrawalNotAllowed
	}

	amount, err := a.drain(ctx, a.beneficiary, t)
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// Terminate transfers the whole balance back to the owner and freezes the
// agreement. It returns the amount moved.
func (a *Agreement) Terminate(ctx context.Context, call Call, t Transferer) (Amount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateTerminated {
		return 0, ErrAlreadyTerminated
	}
	if call.Caller != a.owner {
		return 0, ErrNotOwner
	}

	amount, err := a.drain(ctx, a.owner, t)
	if err != nil {
		return 0, err
	}
	a.state = StateTerminated
	return amount, nil
}

// drain moves the balance to recipient and zeroes it. On error the balance
// is left as it was. Must be called with mu held.
func (a *Agreement) drain(ctx context.Context, recipient Identity, t Transferer) (Amount, error) {
	amount := a.balance
	if amount > 0 {
		if err := t.Transfer(ctx, recipient, amount); err != nil {
			return 0, err
		}
	}
	a.balance = 0
	return amount, nil
}

func wholeSeconds(d time.Duration) bool {
	return d >= 0 && d%time.Second == 0
}

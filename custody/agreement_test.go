package custody_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legacyvault/custody"
)

const (
	owner       = custody.Identity("owner")
	beneficiary = custody.Identity("beneficiary")
	stranger    = custody.Identity("stranger")

	day            = 24 * time.Hour
	initialDeposit = custody.Amount(10_000_000_000)
)

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// wallets is an in-memory Transferer recording what each identity received.
type wallets struct {
	mu       sync.Mutex
	received map[custody.Identity]custody.Amount
	calls    int
	err      error
}

func newWallets() *wallets {
	return &wallets{received: make(map[custody.Identity]custody.Amount)}
}

func (w *wallets) Transfer(_ context.Context, to custody.Identity, amount custody.Amount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.received[to] += amount
	return nil
}

func newAgreement(t *testing.T, period time.Duration) *custody.Agreement {
	t.Helper()
	a, err := custody.Create(custody.Params{
		Owner:            owner,
		Beneficiary:      beneficiary,
		WithdrawalPeriod: period,
		InitialDeposit:   initialDeposit,
		CreatedAt:        created,
	})
	require.NoError(t, err)
	return a
}

func at(caller custody.Identity, d time.Duration) custody.Call {
	return custody.Call{Caller: caller, Now: created.Add(d)}
}

func TestCreate(t *testing.T) {
	a := newAgreement(t, 0)

	assert.True(t, a.IsActive())
	assert.Equal(t, owner, a.Owner())
	assert.Equal(t, beneficiary, a.Beneficiary())
	assert.Equal(t, initialDeposit, a.Balance())
	assert.Equal(t, created, a.LastCheckIn())
	assert.Equal(t, custody.DefaultCheckInWindow, a.CheckInWindow())

	ok, err := a.CanWithdraw(created)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreate_validation(t *testing.T) {
	base := custody.Params{Owner: owner, Beneficiary: beneficiary, CreatedAt: created}

	testCases := []struct {
		name    string
		modify  func(p *custody.Params)
		wantErr error
	}{
		{"missing owner", func(p *custody.Params) { p.Owner = "" }, custody.ErrMissingParty},
		{"missing beneficiary", func(p *custody.Params) { p.Beneficiary = "" }, custody.ErrMissingParty},
		{"negative period", func(p *custody.Params) { p.WithdrawalPeriod = -time.Second }, custody.ErrInvalidPeriod},
		{"fractional period", func(p *custody.Params) { p.WithdrawalPeriod = 1500 * time.Millisecond }, custody.ErrInvalidPeriod},
		{"negative window", func(p *custody.Params) { p.CheckInWindow = -day }, custody.ErrInvalidPeriod},
		{"negative deposit", func(p *custody.Params) { p.InitialDeposit = -1 }, custody.ErrInvalidAmount},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.modify(&p)
			_, err := custody.Create(p)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCheckIn_timely(t *testing.T) {
	a := newAgreement(t, 0)

	require.NoError(t, a.CheckIn(at(owner, day), 0))

	assert.Equal(t, created.Add(day), a.LastCheckIn())
	assert.Equal(t, initialDeposit, a.Balance())
	ok, err := a.CanWithdraw(created.Add(day))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckIn_depositAccumulates(t *testing.T) {
	a := newAgreement(t, day)

	require.NoError(t, a.CheckIn(at(owner, time.Hour), 250))
	require.NoError(t, a.CheckIn(at(owner, 2*time.Hour), 750))

	assert.Equal(t, initialDeposit+1000, a.Balance())
	assert.Equal(t, owner, a.Owner())
	assert.Equal(t, beneficiary, a.Beneficiary())
	assert.Equal(t, day, a.WithdrawalPeriod())
}

func TestCheckIn_rejections(t *testing.T) {
	a := newAgreement(t, 0)

	assert.ErrorIs(t, a.CheckIn(at(beneficiary, day), 0), custody.ErrNotOwner)
	assert.ErrorIs(t, a.CheckIn(at(stranger, day), 10), custody.ErrNotOwner)
	assert.ErrorIs(t, a.CheckIn(at(owner, day), -1), custody.ErrInvalidAmount)

	// Nothing above may have moved the clock or the balance.
	assert.Equal(t, created, a.LastCheckIn())
	assert.Equal(t, initialDeposit, a.Balance())
}

func TestCheckIn_overflow(t *testing.T) {
	a := newAgreement(t, 0)

	err := a.CheckIn(at(owner, day), custody.Amount(1<<63-1))
	assert.ErrorIs(t, err, custody.ErrBalanceOverflow)
	assert.Equal(t, initialDeposit, a.Balance())
	assert.Equal(t, created, a.LastCheckIn())
}

func TestCheckIn_neverMovesClockBackwards(t *testing.T) {
	a := newAgreement(t, 0)

	require.NoError(t, a.CheckIn(at(owner, 2*day), 0))
	require.NoError(t, a.CheckIn(at(owner, day), 5))

	assert.Equal(t, created.Add(2*day), a.LastCheckIn())
	assert.Equal(t, initialDeposit+5, a.Balance())
}

func TestMissedCheckIn_noExtraDelay(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()

	ok, err := a.CanWithdraw(created.Add(day))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.CanWithdraw(created.Add(2*day - time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.CanWithdraw(created.Add(2 * day))
	require.NoError(t, err)
	assert.True(t, ok)

	amount, err := a.Withdraw(context.Background(), at(beneficiary, 2*day), w)
	require.NoError(t, err)
	assert.Equal(t, initialDeposit, amount)
	assert.Equal(t, initialDeposit, w.received[beneficiary])
	assert.Zero(t, a.Balance())
	assert.True(t, a.IsActive())
}

func TestMissedCheckIn_withExtraDelay(t *testing.T) {
	a := newAgreement(t, day)

	ok, err := a.CanWithdraw(created.Add(2 * day))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.CanWithdraw(created.Add(3 * day))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckIn_cancelsPendingWithdrawal(t *testing.T) {
	a := newAgreement(t, day)
	w := newWallets()

	require.NoError(t, a.CheckIn(at(owner, 2*day), 0))

	ok, err := a.CanWithdraw(created.Add(3 * day))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Withdraw(context.Background(), at(beneficiary, 3*day), w)
	assert.ErrorIs(t, err, custody.ErrWithdrawalNotAllowed)
	assert.Zero(t, w.calls)
	assert.Equal(t, initialDeposit, a.Balance())
}

func TestWithdraw_onlyBeneficiary(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()

	_, err := a.Withdraw(context.Background(), at(owner, 5*day), w)
	assert.ErrorIs(t, err, custody.ErrNotBeneficiary)
	_, err = a.Withdraw(context.Background(), at(stranger, 5*day), w)
	assert.ErrorIs(t, err, custody.ErrNotBeneficiary)

	assert.Zero(t, w.calls)
	assert.Equal(t, initialDeposit, a.Balance())
}

func TestWithdraw_roleCheckedBeforeDeadline(t *testing.T) {
	a := newAgreement(t, 0)

	_, err := a.Withdraw(context.Background(), at(stranger, 0), newWallets())
	assert.ErrorIs(t, err, custody.ErrNotBeneficiary)
}

func TestWithdraw_transferFailureLeavesState(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()
	w.err = errors.New("settlement unavailable")

	_, err := a.Withdraw(context.Background(), at(beneficiary, 2*day), w)
	require.Error(t, err)
	assert.Equal(t, initialDeposit, a.Balance())
	assert.True(t, a.IsActive())
}

func TestWithdraw_rearmedByLaterCheckIn(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()
	ctx := context.Background()

	_, err := a.Withdraw(ctx, at(beneficiary, 2*day), w)
	require.NoError(t, err)

	require.NoError(t, a.CheckIn(at(owner, 3*day), 40))
	assert.Equal(t, custody.Amount(40), a.Balance())

	ok, err := a.CanWithdraw(created.Add(4 * day))
	require.NoError(t, err)
	assert.False(t, ok)

	amount, err := a.Withdraw(ctx, at(beneficiary, 5*day), w)
	require.NoError(t, err)
	assert.Equal(t, custody.Amount(40), amount)
	assert.Equal(t, initialDeposit+40, w.received[beneficiary])
}

func TestWithdraw_emptyBalanceSkipsTransfer(t *testing.T) {
	a, err := custody.Create(custody.Params{Owner: owner, Beneficiary: beneficiary, CreatedAt: created})
	require.NoError(t, err)
	w := newWallets()

	amount, err := a.Withdraw(context.Background(), at(beneficiary, 2*day), w)
	require.NoError(t, err)
	assert.Zero(t, amount)
	assert.Zero(t, w.calls)
}

func TestTerminate(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()
	ctx := context.Background()

	amount, err := a.Terminate(ctx, at(owner, time.Hour), w)
	require.NoError(t, err)
	assert.Equal(t, initialDeposit, amount)
	assert.Equal(t, initialDeposit, w.received[owner])
	assert.False(t, a.IsActive())
	assert.Zero(t, a.Balance())

	// Every operation is now rejected for every caller at every time.
	for _, caller := range []custody.Identity{owner, beneficiary, stranger} {
		for _, d := range []time.Duration{time.Hour, 3 * day, 365 * day} {
			assert.ErrorIs(t, a.CheckIn(at(caller, d), 1), custody.ErrAlreadyTerminated)
			_, err := a.CanWithdraw(created.Add(d))
			assert.ErrorIs(t, err, custody.ErrAlreadyTerminated)
			_, err = a.Withdraw(ctx, at(caller, d), w)
			assert.ErrorIs(t, err, custody.ErrAlreadyTerminated)
			_, err = a.Terminate(ctx, at(caller, d), w)
			assert.ErrorIs(t, err, custody.ErrAlreadyTerminated)
		}
	}
	assert.Equal(t, 1, w.calls)
	assert.False(t, a.IsActive())
	assert.Zero(t, a.Balance())
}

func TestTerminate_onlyOwner(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()

	_, err := a.Terminate(context.Background(), at(beneficiary, 0), w)
	assert.ErrorIs(t, err, custody.ErrNotOwner)
	assert.True(t, a.IsActive())
	assert.Equal(t, initialDeposit, a.Balance())
}

func TestTerminate_transferFailureLeavesActive(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()
	w.err = errors.New("settlement unavailable")

	_, err := a.Terminate(context.Background(), at(owner, 0), w)
	require.Error(t, err)
	assert.True(t, a.IsActive())
	assert.Equal(t, initialDeposit, a.Balance())
}

func TestSnapshotRestore(t *testing.T) {
	a := newAgreement(t, day)
	require.NoError(t, a.CheckIn(at(owner, day), 7))

	b, err := custody.Restore(a.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, a.Deadline(), b.Deadline())

	s := a.Snapshot()
	s.State = custody.StateTerminated
	_, err = custody.Restore(s)
	assert.ErrorIs(t, err, custody.ErrInvalidAmount)
}

func TestParseState(t *testing.T) {
	for _, s := range []custody.State{custody.StateActive, custody.StateTerminated} {
		got, ok := custody.ParseState(s.String())
		require.True(t, ok)
		assert.Equal(t, s, got)
	}
	_, ok := custody.ParseState("paused")
	assert.False(t, ok)
}

func TestConcurrentOperations(t *testing.T) {
	a := newAgreement(t, 0)
	w := newWallets()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			_ = a.CheckIn(at(owner, time.Duration(i)*time.Minute), 1)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = a.Withdraw(ctx, at(beneficiary, 3*day), w)
		}(i)
		go func(i int) {
			defer wg.Done()
			if i == 32 {
				_, _ = a.Terminate(ctx, at(owner, time.Hour), w)
			}
		}(i)
	}
	wg.Wait()

	s := a.Snapshot()
	assert.GreaterOrEqual(t, int64(s.Balance), int64(0))
	assert.Equal(t, custody.StateTerminated, s.State)
	assert.Zero(t, s.Balance)

	// Value is conserved: everything deposited ended up with someone.
	var paidOut custody.Amount
	for _, v := range w.received {
		paidOut += v
	}
	deposits := paidOut - initialDeposit
	assert.GreaterOrEqual(t, int64(deposits), int64(0))
	assert.LessOrEqual(t, int64(deposits), int64(64))
}

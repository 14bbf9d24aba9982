package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"legacyvault/agreement"
	"legacyvault/custody"
	"legacyvault/ledger"
	"legacyvault/outbox"
)

// Custodian is the slice of agreement.Service the actors drive.
type Custodian interface {
	CheckIn(ctx context.Context, params agreement.CheckInParams) (agreement.Record, error)
	Withdraw(ctx context.Context, agreementID, callerID string) (agreement.Record, int64, error)
	Terminate(ctx context.Context, agreementID, callerID string) (agreement.Record, int64, error)
}

// Clock is a shared, monotonically advancing test clock.
type Clock struct {
	base   time.Time
	offset atomic.Int64
}

func NewClock(start time.Time) *Clock {
	return &Clock{base: start.UTC()}
}

func (c *Clock) Now() time.Time {
	return c.base.Add(time.Duration(c.offset.Load()))
}

func (c *Clock) Advance(d time.Duration) {
	c.offset.Add(int64(d))
}

// Ticker advances the clock by up to step every few milliseconds.
func Ticker(ctx context.Context, clock *Clock, step time.Duration, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		clock.Advance(time.Duration(rand.Int63n(int64(step)) + 1))
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Owner checks in on its agreements, sometimes topping them up and
// sometimes replaying its previous call verbatim. A replay never succeeds on
// a terminated agreement. Now and then the owner goes quiet long enough for
// the clock to carry its agreements past their deadlines.
func Owner(ctx context.Context, svc Custodian, agreementIDs []string, ownerID string, stop <-chan struct{}) error {
	var last agreement.CheckInParams
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(40) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return nil
			case <-time.After(time.Duration(1+rand.Intn(3)) * time.Second):
			}
		}
		params := agreement.CheckInParams{
			AgreementID:    agreementIDs[rand.Intn(len(agreementIDs))],
			CallerID:       ownerID,
			Value:          int64(rand.Intn(3)) * 100,
			IdempotencyKey: fmt.Sprintf("ck-%d", rand.Int63()),
		}
		if last.IdempotencyKey != "" && rand.Intn(5) == 0 {
			params = last
		}
		last = params
		rec, err := svc.CheckIn(ctx, params)
		if err == nil && !rec.Active() {
			return fmt.Errorf("owner check-in on terminated agreement %s succeeded", params.AgreementID)
		}
		if violation(err, custody.ErrAlreadyTerminated, ledger.ErrInsufficientFunds) {
			return fmt.Errorf("owner check-in: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Beneficiary polls its agreements and withdraws whenever the guard lets it.
// Attempts to terminate must always be refused.
func Beneficiary(ctx context.Context, svc Custodian, agreementIDs []string, beneficiaryID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := agreementIDs[rand.Intn(len(agreementIDs))]
		_, _, err := svc.Withdraw(ctx, id, beneficiaryID)
		if violation(err, custody.ErrWithdrawalNotAllowed, custody.ErrAlreadyTerminated) {
			return fmt.Errorf("beneficiary withdraw: %w", err)
		}
		if rand.Intn(10) == 0 {
			_, _, err := svc.Terminate(ctx, id, beneficiaryID)
			if err == nil {
				return fmt.Errorf("beneficiary terminated agreement %s", id)
			}
			if violation(err, custody.ErrNotOwner, custody.ErrAlreadyTerminated) {
				return fmt.Errorf("beneficiary terminate: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Terminator closes a random agreement as its owner, rarely.
func Terminator(ctx context.Context, svc Custodian, agreementIDs []string, ownerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(20) == 0 {
			_, _, err := svc.Terminate(ctx, agreementIDs[rand.Intn(len(agreementIDs))], ownerID)
			if violation(err, custody.ErrAlreadyTerminated) {
				return fmt.Errorf("owner terminate: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Stranger calls every mutating operation without holding a role. None of
// them may succeed.
func Stranger(ctx context.Context, svc Custodian, agreementIDs []string, strangerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := agreementIDs[rand.Intn(len(agreementIDs))]
		if _, err := svc.CheckIn(ctx, agreement.CheckInParams{AgreementID: id, CallerID: strangerID}); err == nil {
			return fmt.Errorf("stranger checked in on %s", id)
		} else if violation(err, custody.ErrNotOwner, custody.ErrAlreadyTerminated) {
			return fmt.Errorf("stranger check-in: %w", err)
		}
		if _, _, err := svc.Withdraw(ctx, id, strangerID); err == nil {
			return fmt.Errorf("stranger withdrew from %s", id)
		} else if violation(err, custody.ErrNotBeneficiary, custody.ErrAlreadyTerminated) {
			return fmt.Errorf("stranger withdraw: %w", err)
		}
		if _, _, err := svc.Terminate(ctx, id, strangerID); err == nil {
			return fmt.Errorf("stranger terminated %s", id)
		} else if violation(err, custody.ErrNotOwner, custody.ErrAlreadyTerminated) {
			return fmt.Errorf("stranger terminate: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker drains the outbox through the relay until stopped.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = relay.Drain(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// FlakyPublisher fails roughly one publish in every n.
func FlakyPublisher(n int) outbox.Publisher {
	return outbox.PublisherFunc(func(ctx context.Context, msg outbox.Message) error {
		if rand.Intn(n) == 0 {
			return errors.New("simulated broker outage")
		}
		return nil
	})
}

var domainErrors = []error{
	custody.ErrAlreadyTerminated,
	custody.ErrNotOwner,
	custody.ErrNotBeneficiary,
	custody.ErrWithdrawalNotAllowed,
	agreement.ErrIdempotencyKeyReused,
}

// violation reports whether err is a domain error outside allowed. Infra
// errors from killed backends are tolerated; the oracles judge their effect.
func violation(err error, allowed ...error) bool {
	if err == nil {
		return false
	}
	for _, target := range allowed {
		if errors.Is(err, target) {
			return false
		}
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

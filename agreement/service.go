package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"legacyvault/custody"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service. Every method runs
// inside the caller's transaction.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key, fingerprint string) error
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	LockByID(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Ledger moves value between accounts inside the caller's transaction.
type Ledger interface {
	EnsureWallet(ctx context.Context, tx pgx.Tx, ownerID string) (string, error)
	OpenEscrow(ctx context.Context, tx pgx.Tx) (string, error)
	Move(ctx context.Context, tx pgx.Tx, fromID, toID string, amount int64, memo string) (string, error)
	Transferer(tx pgx.Tx, escrowID, memo string) custody.Transferer
}

// Service hosts custody agreements in PostgreSQL. Each operation locks the
// agreement row, replays the state machine against it and writes the
// result, its timeline event, its outbox message and any ledger movement in
// one transaction.
type Service struct {
	pool    TxBeginner
	store   Store
	ledger  Ledger
	now     func() time.Time
	newID   func() string
	window  time.Duration
	logger  *slog.Logger
	metrics *serviceMetrics
}

func NewService(pool TxBeginner, store Store, ledger Ledger) *Service {
	if store == nil {
		store = NewRepository()
	}
	return &Service{
		pool:    pool,
		store:   store,
		ledger:  ledger,
		now:     time.Now,
		newID:   uuid.NewString,
		window:  custody.DefaultCheckInWindow,
		logger:  slog.Default(),
		metrics: &serviceMetrics{},
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithIDGenerator overrides agreement ID generation.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.newID = gen
	}
	return s
}

// WithCheckInWindow sets the window applied to agreements created from now on.
func (s *Service) WithCheckInWindow(window time.Duration) *Service {
	if window > 0 {
		s.window = window
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithMetrics registers the service counters with reg.
func (s *Service) WithMetrics(reg prometheus.Registerer) *Service {
	if reg != nil {
		s.metrics.init(reg)
	}
	return s
}

// Create opens an escrow account, moves the deposit into it from the
// owner's wallet and stores a new active agreement.
func (s *Service) Create(ctx context.Context, params CreateParams) (rec Record, err error) {
	defer func() { s.metrics.observe("create", err) }()

	now := s.clock()
	core, err := custody.Create(custody.Params{
		Owner:            custody.Identity(params.OwnerID),
		Beneficiary:      custody.Identity(params.BeneficiaryID),
		WithdrawalPeriod: params.WithdrawalPeriod,
		InitialDeposit:   custody.Amount(params.Deposit),
		CreatedAt:        now,
		CheckInWindow:    s.window,
	})
	if err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	escrowID, err := s.ledger.OpenEscrow(ctx, tx)
	if err != nil {
		return Record{}, err
	}
	if err := s.collect(ctx, tx, params.OwnerID, escrowID, params.Deposit, "deposit"); err != nil {
		return Record{}, err
	}

	rec = Record{
		ID:               s.newID(),
		OwnerID:          params.OwnerID,
		BeneficiaryID:    params.BeneficiaryID,
		WithdrawalPeriod: core.WithdrawalPeriod(),
		CheckInWindow:    core.CheckInWindow(),
		EscrowAccountID:  escrowID,
	}.apply(core)

	rec, err = s.store.Insert(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"owner_id":                  rec.OwnerID,
		"beneficiary_id":            rec.BeneficiaryID,
		"withdrawal_period_seconds": seconds(rec.WithdrawalPeriod),
		"deposit":                   params.Deposit,
	}
	if err := s.record(ctx, tx, rec, EventCreated, OutboxTopicCreated, params.OwnerID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit tx: %w", err)
	}

	s.logger.Info("agreement created", "component", "agreement", "agreement_id", rec.ID, "op", "create", "balance", rec.Balance)
	return rec, nil
}

// CheckIn records the owner's liveness and adds Value to the escrow. A
// repeated IdempotencyKey returns the current record without applying
// anything, provided the agreement is still active and Value matches the
// first call.
func (s *Service) CheckIn(ctx context.Context, params CheckInParams) (rec Record, err error) {
	defer func() { s.metrics.observe("check_in", err) }()

	if params.AgreementID == "" {
		return Record{}, fmt.Errorf("agreement: missing agreement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.IdempotencyKey != "" {
		key := "check-in:" + params.AgreementID + ":" + params.CallerID + ":" + params.IdempotencyKey
		fingerprint := fmt.Sprintf("value=%d", params.Value)
		if err := s.store.InsertIdempotencyKey(ctx, tx, key, fingerprint); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) || errors.Is(err, ErrIdempotencyKeyReused) {
				return s.replayCheckIn(ctx, tx, params, err)
			}
			return Record{}, err
		}
	}

	rec, core, err := s.load(ctx, tx, params.AgreementID)
	if err != nil {
		return Record{}, err
	}

	call := custody.Call{Caller: custody.Identity(params.CallerID), Now: s.clock()}
	if err := core.CheckIn(call, custody.Amount(params.Value)); err != nil {
		return Record{}, err
	}
	if err := s.collect(ctx, tx, params.CallerID, rec.EscrowAccountID, params.Value, "check-in"); err != nil {
		return Record{}, err
	}

	rec, err = s.store.Update(ctx, tx, rec.apply(core))
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"value":            params.Value,
		"last_check_in_at": rec.LastCheckInAt,
	}
	if err := s.record(ctx, tx, rec, EventCheckedIn, OutboxTopicCheckedIn, params.CallerID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit tx: %w", err)
	}

	s.logger.Info("agreement checked in", "component", "agreement", "agreement_id", rec.ID, "op", "check_in", "value", params.Value)
	return rec, nil
}

// Withdraw pays the whole escrow balance to the beneficiary once the
// deadline has passed. The agreement stays active.
func (s *Service) Withdraw(ctx context.Context, agreementID, callerID string) (Record, int64, error) {
	return s.payout(ctx, "withdraw", agreementID, callerID)
}

// Terminate returns the whole escrow balance to the owner and freezes the
// agreement.
func (s *Service) Terminate(ctx context.Context, agreementID, callerID string) (Record, int64, error) {
	return s.payout(ctx, "terminate", agreementID, callerID)
}

func (s *Service) payout(ctx context.Context, op, agreementID, callerID string) (rec Record, paid int64, err error) {
	defer func() {
		s.metrics.observe(op, err)
		if err == nil {
			s.metrics.paid(op, paid)
		}
	}()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, 0, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, core, err := s.load(ctx, tx, agreementID)
	if err != nil {
		return Record{}, 0, err
	}

	call := custody.Call{Caller: custody.Identity(callerID), Now: s.clock()}
	transferer := s.ledger.Transferer(tx, rec.EscrowAccountID, op)

	var (
		amount custody.Amount
		event  string
		topic  string
	)
	switch op {
	case "withdraw":
		amount, err = core.Withdraw(ctx, call, transferer)
		event, topic = EventWithdrawn, OutboxTopicWithdrawn
	case "terminate":
		amount, err = core.Terminate(ctx, call, transferer)
		event, topic = EventTerminated, OutboxTopicTerminated
	default:
		return Record{}, 0, fmt.Errorf("agreement: unknown payout %q", op)
	}
	if err != nil {
		return Record{}, 0, err
	}

	rec, err = s.store.Update(ctx, tx, rec.apply(core))
	if err != nil {
		return Record{}, 0, err
	}

	payload := map[string]any{
		"amount":    int64(amount),
		"recipient": recipient(op, rec),
	}
	if err := s.record(ctx, tx, rec, event, topic, callerID, payload); err != nil {
		return Record{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, 0, fmt.Errorf("agreement: commit tx: %w", err)
	}

	s.logger.Info("agreement paid out", "component", "agreement", "agreement_id", rec.ID, "op", op, "amount", int64(amount))
	return rec, int64(amount), nil
}

// clock reads the time source at the precision timestamptz stores, so a
// restored deadline equals the one the core computed.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// replayCheckIn answers a repeated check-in key with the same guards as a
// fresh call, in the same order, without writing anything.
func (s *Service) replayCheckIn(ctx context.Context, tx pgx.Tx, params CheckInParams, dup error) (Record, error) {
	rec, err := s.store.LockByID(ctx, tx, params.AgreementID)
	if err != nil {
		return Record{}, err
	}
	switch {
	case !rec.Active():
		return Record{}, custody.ErrAlreadyTerminated
	case rec.OwnerID != params.CallerID:
		return Record{}, custody.ErrNotOwner
	case errors.Is(dup, ErrIdempotencyKeyReused):
		return Record{}, dup
	}
	return rec, nil
}

func (s *Service) load(ctx context.Context, tx pgx.Tx, id string) (Record, *custody.Agreement, error) {
	rec, err := s.store.LockByID(ctx, tx, id)
	if err != nil {
		return Record{}, nil, err
	}
	core, err := custody.Restore(rec.snapshot())
	if err != nil {
		return Record{}, nil, fmt.Errorf("agreement: restore %s: %w", id, err)
	}
	return rec, core, nil
}

// collect moves amount from the payer's wallet into an escrow account.
func (s *Service) collect(ctx context.Context, tx pgx.Tx, payerID, escrowID string, amount int64, memo string) error {
	if amount == 0 {
		return nil
	}
	walletID, err := s.ledger.EnsureWallet(ctx, tx, payerID)
	if err != nil {
		return err
	}
	if _, err := s.ledger.Move(ctx, tx, walletID, escrowID, amount, memo); err != nil {
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, rec Record, event, topic, actorID string, payload map[string]any) error {
	if err := s.store.AppendTimeline(ctx, tx, rec.ID, event, actorID, payload); err != nil {
		return err
	}
	return s.store.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"agreement_id": rec.ID,
		"event":        event,
		"state":        rec.State.String(),
		"balance":      rec.Balance,
	})
}

func recipient(op string, rec Record) string {
	if op == "withdraw" {
		return rec.BeneficiaryID
	}
	return rec.OwnerID
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMaxAttempts is how many failed publishes a message survives before
// it is marked dead.
const DefaultMaxAttempts = 5

// Message is a pending outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Publisher delivers a message downstream. Returning an error leaves the
// message pending for another attempt.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store claims and settles outbox rows inside the relay's transaction.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error
}

type relayMetrics struct {
	published prometheus.Counter
	failed    prometheus.Counter
	dead      prometheus.Counter
}

func (m *relayMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.published = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "legacyvault_outbox_published_total",
		Help: "outbox messages delivered",
	})
	m.failed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "legacyvault_outbox_failed_total",
		Help: "failed outbox delivery attempts",
	})
	m.dead = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "legacyvault_outbox_dead_total",
		Help: "outbox messages given up on",
	})
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Relay moves committed outbox rows to a Publisher.
type Relay struct {
	pool        TxBeginner
	store       Store
	pub         Publisher
	interval    time.Duration
	batch       int
	maxAttempts int
	logger      *slog.Logger
	metrics     relayMetrics
}

func NewRelay(pool TxBeginner, store Store, pub Publisher) *Relay {
	if store == nil {
		store = NewRepository()
	}
	return &Relay{
		pool:        pool,
		store:       store,
		pub:         pub,
		interval:    2 * time.Second,
		batch:       50,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *Relay) WithMetrics(reg prometheus.Registerer) *Relay {
	if reg != nil {
		r.metrics.init(reg)
	}
	return r
}

// Run drains the outbox every interval until ctx is cancelled. Drain errors
// are logged and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox drain failed", "component", "outbox", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain settles one batch and returns how many messages were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.pub.Publish(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return 0, ctx.Err()
			}
			dead := msg.Attempts+1 >= r.maxAttempts
			if err := r.store.MarkFailed(ctx, tx, msg.ID, dead); err != nil {
				return 0, err
			}
			inc(r.metrics.failed)
			if dead {
				inc(r.metrics.dead)
				r.logger.Error("outbox message dead", "component", "outbox", "id", msg.ID, "topic", msg.Topic, "error", err)
			} else {
				r.logger.Warn("outbox publish failed", "component", "outbox", "id", msg.ID, "topic", msg.Topic, "attempt", msg.Attempts+1, "error", err)
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
			return 0, err
		}
		inc(r.metrics.published)
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return delivered, nil
}

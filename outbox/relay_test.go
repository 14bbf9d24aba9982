package outbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDrain_PublishesAndMarksProcessed(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []Message{
		{ID: "m1", Topic: "agreement.created", Payload: []byte(`{"agreement_id":"a1"}`)},
		{ID: "m2", Topic: "agreement.checked_in", Payload: []byte(`{"agreement_id":"a1"}`)},
	}}
	var got []string
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		got = append(got, msg.Topic)
		return nil
	})
	reg := prometheus.NewRegistry()
	relay := NewRelay(pool, store, pub).WithMetrics(reg)

	n, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if len(got) != 2 || got[0] != "agreement.created" {
		t.Fatalf("unexpected publish order: %v", got)
	}
	if len(store.processed) != 2 {
		t.Fatalf("expected both messages processed, got %v", store.processed)
	}
	if !pool.lastTx().committed {
		t.Fatal("expected commit")
	}
	if v := testutil.ToFloat64(relay.metrics.published); v != 2 {
		t.Fatalf("expected published counter 2, got %v", v)
	}
}

func TestDrain_FailedPublishRetriesThenDies(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{pending: []Message{
		{ID: "young", Topic: "agreement.withdrawn", Attempts: 1},
		{ID: "old", Topic: "agreement.withdrawn", Attempts: 4},
	}}
	pub := PublisherFunc(func(ctx context.Context, msg Message) error {
		return errors.New("broker unavailable")
	})
	relay := NewRelay(pool, store, pub).WithMaxAttempts(5).WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	n, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing delivered, got %d", n)
	}
	if dead, ok := store.failed["young"]; !ok || dead {
		t.Fatal("expected young message to stay pending")
	}
	if dead, ok := store.failed["old"]; !ok || !dead {
		t.Fatal("expected old message to be dead")
	}
	if !pool.lastTx().committed {
		t.Fatal("expected attempts to be committed")
	}
}

func TestDrain_ClaimErrorRollsBack(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{claimErr: errors.New("outbox: claim: boom")}
	relay := NewRelay(pool, store, LogPublisher{})

	if _, err := relay.Drain(context.Background()); !errors.Is(err, store.claimErr) {
		t.Fatalf("expected claim error, got %v", err)
	}
	tx := pool.lastTx()
	if tx.committed || !tx.rolled {
		t.Fatal("expected rollback without commit")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{}
	relay := NewRelay(pool, store, LogPublisher{}).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for store.claims() < 2 {
		select {
		case <-deadline:
			t.Fatal("relay did not poll")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := LogPublisher{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	err := pub.Publish(context.Background(), Message{ID: "m1", Topic: "agreement.terminated", Payload: []byte(`{"balance":0}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"topic":"agreement.terminated"`) || !strings.Contains(out, `"payload":{"balance":0}`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

type fakeStore struct {
	mu        sync.Mutex
	pending   []Message
	claimErr  error
	processed []string
	failed    map[string]bool
	nclaims   int
}

func (f *fakeStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nclaims++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.pending) > limit {
		return append([]Message(nil), f.pending[:limit]...), nil
	}
	return append([]Message(nil), f.pending...), nil
}

func (f *fakeStore) claims() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nclaims
}

func (f *fakeStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, dead bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = map[string]bool{}
	}
	f.failed[id] = dead
	return nil
}

type fakePool struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) lastTx() *fakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[len(f.txs)-1]
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

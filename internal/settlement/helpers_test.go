package settlement

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/event"
	"energy_market/internal/infra/storage"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedLedger returns sendErrs in order, then succeeds; statuses likewise, then stays pending.
type scriptedLedger struct {
	mu       sync.Mutex
	sendErrs []error
	statuses []domain.ConfirmationStatus
	sends    int
	polls    int
	keys     []string

	// when set, BuildAndSend signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (l *scriptedLedger) BuildAndSend(ctx context.Context, ins domain.Instructions, signers []string) (domain.TxRef, error) {
	if l.entered != nil {
		l.entered <- struct{}{}
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends++
	l.keys = append(l.keys, ins.IdempotencyKey)
	if len(l.sendErrs) > 0 {
		err := l.sendErrs[0]
		l.sendErrs = l.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return domain.TxRef(fmt.Sprintf("tx-%d", l.sends)), nil
}

func (l *scriptedLedger) GetConfirmationStatus(ctx context.Context, ref domain.TxRef) (domain.ConfirmationStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.polls++
	if len(l.statuses) > 0 {
		st := l.statuses[0]
		l.statuses = l.statuses[1:]
		return st, nil
	}
	return domain.ConfirmationPending, nil
}

func (l *scriptedLedger) sendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordingPublisher) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		p := ev.Payload.(event.SettlementStatusChanged)
		out = append(out, string(p.From)+">"+string(p.To))
	}
	return out
}

func testConfig() Config {
	return Config{
		FeeRate:         decimal.RequireFromString("0.0025"),
		FeeDecimals:     6,
		MaxAttempts:     3,
		SubmitTimeout:   time.Second,
		ConfirmInterval: time.Second,
		ConfirmMaxPolls: 2,
		Accounts:        Accounts{Platform: "platform", Currency: "USDC", Energy: "KWH"},
		Signers:         []string{"platform"},
	}
}

type fixture struct {
	store    *storage.Storage
	ledger   *scriptedLedger
	clock    *clock
	events   *recordingPublisher
	pipeline *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := storage.NewStorage(filepath.Join(t.TempDir(), "settle.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, ledger: &scriptedLedger{}, clock: &clock{now: t0}, events: &recordingPublisher{}}
	n := 0
	f.pipeline = NewPipeline(st, f.ledger, cfg,
		WithClock(f.clock.Now),
		WithEvents(f.events),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("s-%d", n) }),
	)
	return f
}

func testTrade(id string) *domain.TradeMatch {
	return &domain.TradeMatch{
		ID:          id,
		WindowID:    "w-1",
		BuyOrderID:  "b-" + id,
		SellOrderID: "s-" + id,
		BuyerID:     "alice",
		SellerID:    "bob",
		Quantity:    decimal.RequireFromString("10"),
		Price:       decimal.RequireFromString("0.10"),
		ExecutedAt:  t0,
	}
}

func (f *fixture) submit(t *testing.T, tradeID string) *domain.Settlement {
	t.Helper()
	s, created, err := f.pipeline.SubmitTrade(context.Background(), testTrade(tradeID))
	if err != nil || !created {
		t.Fatalf("SubmitTrade failed: created=%v err=%v", created, err)
	}
	return s
}

func (f *fixture) load(t *testing.T, id string) *domain.Settlement {
	t.Helper()
	s, err := f.pipeline.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return s
}

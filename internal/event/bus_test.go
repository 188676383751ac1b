package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/infra"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	block  chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testTrade(id string) *domain.TradeMatch {
	return &domain.TradeMatch{
		ID:         id,
		WindowID:   "w-1",
		Quantity:   decimal.RequireFromString("10"),
		Price:      decimal.RequireFromString("0.10"),
		ExecutedAt: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestBusDeliversToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{fail: true}
	bus := NewBus(8, nil, nil, a, b)
	go bus.Run(context.Background())

	bus.Publish(NewTradeExecuted(testTrade("t1")))
	bus.Publish(NewTradeExecuted(testTrade("t2")))
	bus.Close()
	<-bus.Done()

	if a.count() != 2 {
		t.Errorf("Expected 2 events at sink a, got %d", a.count())
	}
	if b.count() != 2 {
		t.Errorf("Expected a failing sink to still see 2 events, got %d", b.count())
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	m := infra.NewMetrics(nil)
	sink := &recordingSink{block: make(chan struct{})}
	bus := NewBus(1, nil, m, sink)
	go bus.Run(context.Background())

	// First event is taken by Run and blocks in the sink, second fills the buffer.
	bus.Publish(NewTradeExecuted(testTrade("t1")))
	time.Sleep(20 * time.Millisecond)
	bus.Publish(NewTradeExecuted(testTrade("t2")))
	bus.Publish(NewTradeExecuted(testTrade("t3")))

	if got := testutil.ToFloat64(m.EventsDropped); got != 1 {
		t.Errorf("Expected 1 dropped event, got %v", got)
	}

	close(sink.block)
	bus.Close()
	<-bus.Done()
	if sink.count() != 2 {
		t.Errorf("Expected 2 delivered events, got %d", sink.count())
	}
}

func TestNilBusPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(NewTradeExecuted(testTrade("t1")))
}

func TestDeterministicIDs(t *testing.T) {
	e1 := NewTradeExecuted(testTrade("t1"))
	e2 := NewTradeExecuted(testTrade("t1"))
	if e1.ID != e2.ID {
		t.Errorf("Expected stable id, got %s and %s", e1.ID, e2.ID)
	}

	s := &domain.Settlement{ID: "s1", TradeID: "t1", Status: domain.SettlementStatusSubmitted, Attempts: 1}
	at := time.Now()
	sub := NewSettlementStatusChanged(s, domain.SettlementStatusPending, at)
	s.Status = domain.SettlementStatusConfirmed
	conf := NewSettlementStatusChanged(s, domain.SettlementStatusSubmitted, at)
	if sub.ID == conf.ID {
		t.Error("Expected distinct ids for distinct transitions")
	}
	p, ok := conf.Payload.(SettlementStatusChanged)
	if !ok || p.To != domain.SettlementStatusConfirmed || p.From != domain.SettlementStatusSubmitted {
		t.Errorf("Unexpected payload %+v", conf.Payload)
	}
}

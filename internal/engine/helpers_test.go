package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"energy_market/internal/domain"

	"github.com/shopspring/decimal"
)

const testWindow = "w-1"

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newOrder builds an order arriving at t0 + seq seconds.
func newOrder(id, owner string, side domain.Side, qty, price string, seq uint64) *domain.Order {
	q := dec(qty)
	return &domain.Order{
		ID:        id,
		WindowID:  testWindow,
		OwnerID:   owner,
		Side:      side,
		Kind:      domain.OrderKindLimit,
		Quantity:  q,
		Remaining: q,
		Price:     dec(price),
		Status:    domain.OrderStatusPending,
		Seq:       seq,
		CreatedAt: t0.Add(time.Duration(seq) * time.Second),
	}
}

func testPolicy() Policy {
	n := 0
	return Policy{
		Now: func() time.Time { return t0 },
		NewID: func() string {
			n++
			return fmt.Sprintf("t-%d", n)
		},
	}
}

// memPersister records what the sequencer writes.
type memPersister struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	trades    []*domain.TradeMatch
	failSave  bool
	failPass  bool
	passCalls int
}

func newMemPersister() *memPersister {
	return &memPersister{orders: make(map[string]domain.Order)}
}

func (m *memPersister) SaveOrder(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk full")
	}
	m.orders[o.ID] = *o
	return nil
}

func (m *memPersister) PersistPass(ctx context.Context, trades []*domain.TradeMatch, orders []*domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passCalls++
	if m.failPass {
		return errors.New("disk full")
	}
	m.trades = append(m.trades, trades...)
	for _, o := range orders {
		m.orders[o.ID] = *o
	}
	return nil
}

func (m *memPersister) order(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

func (m *memPersister) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

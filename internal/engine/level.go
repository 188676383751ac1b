package engine

import (
	"container/list"

	"energy_market/internal/domain"

	"github.com/shopspring/decimal"
)

// Level holds every resting order at one exact price on one side, oldest first.
// total is kept equal to the sum of the orders' remaining quantities.
type Level struct {
	price  decimal.Decimal
	key    string
	orders *list.List
	total  decimal.Decimal
	index  int // position in the side heap
}

func newLevel(price decimal.Decimal, key string) *Level {
	return &Level{price: price, key: key, orders: list.New(), total: decimal.Zero}
}

// Price returns the level price.
func (l *Level) Price() decimal.Decimal {
	return l.price
}

// TotalQty returns the sum of remaining quantities at this level.
func (l *Level) TotalQty() decimal.Decimal {
	return l.total
}

// Len returns the number of orders at this level.
func (l *Level) Len() int {
	return l.orders.Len()
}

// Front returns the order with time priority, or nil.
func (l *Level) Front() *domain.Order {
	e := l.orders.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*domain.Order)
}

// Orders returns the level's orders in priority order.
func (l *Level) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, l.orders.Len())
	for e := l.orders.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*domain.Order))
	}
	return out
}

// insert places o by arrival time. Fresh orders always land at the back; orders rolled
// from a previous window may carry an older arrival and are slotted ahead of newer ones.
func (l *Level) insert(o *domain.Order) *list.Element {
	l.total = l.total.Add(o.Remaining)
	for e := l.orders.Back(); e != nil; e = e.Prev() {
		if !o.ArrivedBefore(e.Value.(*domain.Order)) {
			return l.orders.InsertAfter(o, e)
		}
	}
	return l.orders.PushFront(o)
}

func (l *Level) remove(e *list.Element) {
	o := l.orders.Remove(e).(*domain.Order)
	l.total = l.total.Sub(o.Remaining)
}

// levelHeap orders levels best-first: highest price for bids, lowest for asks.
type levelHeap struct {
	levels []*Level
	isMax  bool
}

func (h levelHeap) Len() int { return len(h.levels) }

func (h levelHeap) Less(i, j int) bool { return h.better(h.levels[i], h.levels[j]) }

func (h levelHeap) better(a, b *Level) bool {
	if h.isMax {
		return a.price.GreaterThan(b.price)
	}
	return a.price.LessThan(b.price)
}

func (h levelHeap) Swap(i, j int) {
	h.levels[i], h.levels[j] = h.levels[j], h.levels[i]
	h.levels[i].index = i
	h.levels[j].index = j
}

func (h *levelHeap) Push(x any) {
	l := x.(*Level)
	l.index = len(h.levels)
	h.levels = append(h.levels, l)
}

func (h *levelHeap) Pop() any {
	old := h.levels
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.index = -1
	h.levels = old[:n-1]
	return l
}

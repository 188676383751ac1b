package engine

import (
	"container/heap"
	"container/list"
	"fmt"
	"sort"
	"strings"

	"energy_market/internal/domain"

	"github.com/shopspring/decimal"
)

// Book is the order book of one trading window.
//
// Bids and asks are heaps of price levels (best level at the root) with a FIFO list per
// level, plus an id index for O(1) lookup. Book is not safe for concurrent use: every
// mutation goes through the window's Sequencer.
type Book struct {
	windowID string
	bids     *bookSide
	asks     *bookSide
	orders   map[string]*orderRef
}

type orderRef struct {
	order *domain.Order
	elem  *list.Element
	level *Level
	side  *bookSide
}

type bookSide struct {
	levels map[string]*Level
	heap   levelHeap
}

func newBookSide(isBuy bool) *bookSide {
	s := &bookSide{
		levels: make(map[string]*Level),
		heap:   levelHeap{isMax: isBuy},
	}
	heap.Init(&s.heap)
	return s
}

func (s *bookSide) best() *Level {
	if len(s.heap.levels) == 0 {
		return nil
	}
	return s.heap.levels[0]
}

func (s *bookSide) add(o *domain.Order) *orderRef {
	key := o.Price.String()
	level := s.levels[key]
	if level == nil {
		level = newLevel(o.Price, key)
		heap.Push(&s.heap, level)
		s.levels[key] = level
	}
	return &orderRef{order: o, elem: level.insert(o), level: level, side: s}
}

func (s *bookSide) remove(ref *orderRef) {
	ref.level.remove(ref.elem)
	if ref.level.Len() == 0 {
		heap.Remove(&s.heap, ref.level.index)
		delete(s.levels, ref.level.key)
	}
}

// sorted returns the side's levels best-first.
func (s *bookSide) sorted() []*Level {
	out := make([]*Level, len(s.heap.levels))
	copy(out, s.heap.levels)
	sort.Slice(out, func(i, j int) bool { return s.heap.better(out[i], out[j]) })
	return out
}

// NewBook creates an empty book for a window.
func NewBook(windowID string) *Book {
	return &Book{
		windowID: windowID,
		bids:     newBookSide(true),
		asks:     newBookSide(false),
		orders:   make(map[string]*orderRef),
	}
}

// WindowID returns the window this book belongs to.
func (b *Book) WindowID() string {
	return b.windowID
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.orders)
}

// BestBid returns the highest bid level, or nil.
func (b *Book) BestBid() *Level {
	return b.bids.best()
}

// BestAsk returns the lowest ask level, or nil.
func (b *Book) BestAsk() *Level {
	return b.asks.best()
}

// Get returns a resting order by id.
func (b *Book) Get(orderID string) (*domain.Order, bool) {
	ref, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	return ref.order, true
}

// Validate checks o against the book without inserting it.
func (b *Book) Validate(o *domain.Order) error {
	if o == nil {
		return &domain.ValidationError{Field: "order", Reason: "required"}
	}
	if strings.TrimSpace(o.ID) == "" {
		return &domain.ValidationError{Field: "id", Reason: "required"}
	}
	if o.WindowID != b.windowID {
		return &domain.ValidationError{Field: "window_id", Reason: fmt.Sprintf("order for %q submitted to window %q", o.WindowID, b.windowID)}
	}
	if !o.Side.Valid() {
		return &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", o.Side)}
	}
	if o.Kind != domain.OrderKindLimit {
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported order kind %q", o.Kind)}
	}
	if !o.Quantity.IsPositive() {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if !o.Price.IsPositive() {
		return &domain.ValidationError{Field: "price", Reason: "must be positive"}
	}
	if !o.Remaining.IsPositive() || o.Remaining.GreaterThan(o.Quantity) {
		return &domain.ValidationError{Field: "remaining", Reason: "must be within (0, quantity]"}
	}
	if o.Status.IsTerminal() {
		return domain.ErrOrderTerminal
	}
	if _, exists := b.orders[o.ID]; exists {
		return &domain.ValidationError{Field: "id", Reason: "duplicate order id"}
	}
	return nil
}

// Insert adds a validated order to its side and price level. A Pending order becomes Active.
func (b *Book) Insert(o *domain.Order) error {
	if err := b.Validate(o); err != nil {
		return err
	}
	if o.Status == domain.OrderStatusPending || o.Status == "" {
		o.Status = domain.OrderStatusActive
	}
	b.orders[o.ID] = b.side(o.Side).add(o)
	return nil
}

// Remove takes a resting order out of the book and prunes its level if emptied.
// The order's status is left to the caller.
func (b *Book) Remove(orderID string) (*domain.Order, error) {
	ref, ok := b.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	ref.side.remove(ref)
	delete(b.orders, orderID)
	return ref.order, nil
}

// Reduce applies a fill of qty to a resting order. A fully filled order becomes Filled and
// leaves the book; a partial fill keeps its place in the level.
func (b *Book) Reduce(orderID string, qty decimal.Decimal) error {
	ref, ok := b.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o := ref.order
	if !qty.IsPositive() || qty.GreaterThan(o.Remaining) {
		return &domain.InvariantViolation{
			WindowID: b.windowID,
			Detail:   fmt.Sprintf("fill %s outside (0, %s] for order %s", qty, o.Remaining, o.ID),
		}
	}

	o.Remaining = o.Remaining.Sub(qty)
	ref.level.total = ref.level.total.Sub(qty)

	if o.Remaining.IsZero() {
		o.Status = domain.OrderStatusFilled
		ref.side.remove(ref)
		delete(b.orders, orderID)
		return nil
	}
	o.Status = domain.OrderStatusPartiallyFilled
	return nil
}

// Orders returns every resting order, oldest arrival first.
func (b *Book) Orders() []*domain.Order {
	out := make([]*domain.Order, 0, len(b.orders))
	for _, ref := range b.orders {
		out = append(out, ref.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivedBefore(out[j]) })
	return out
}

// Crossed reports whether the best bid is at or above the best ask.
func (b *Book) Crossed() bool {
	bid, ask := b.BestBid(), b.BestAsk()
	return bid != nil && ask != nil && bid.price.GreaterThanOrEqual(ask.price)
}

// Verify checks the bookkeeping invariants: no empty level, level totals equal the sum of
// their orders, quantities in range, statuses open, index consistent with the levels.
func (b *Book) Verify() error {
	seen := 0
	for _, side := range []*bookSide{b.bids, b.asks} {
		if len(side.levels) != len(side.heap.levels) {
			return b.violation("level index holds %d levels, heap %d", len(side.levels), len(side.heap.levels))
		}
		for key, level := range side.levels {
			if level.Len() == 0 {
				return b.violation("empty level %s left in book", key)
			}
			sum := decimal.Zero
			for e := level.orders.Front(); e != nil; e = e.Next() {
				o := e.Value.(*domain.Order)
				if o.Remaining.IsNegative() || o.Remaining.GreaterThan(o.Quantity) {
					return b.violation("order %s remaining %s outside [0, %s]", o.ID, o.Remaining, o.Quantity)
				}
				if o.Remaining.IsZero() {
					return b.violation("order %s rests with zero remaining", o.ID)
				}
				if !o.IsOpen() {
					return b.violation("order %s rests with status %s", o.ID, o.Status)
				}
				if !o.Price.Equal(level.price) {
					return b.violation("order %s price %s in level %s", o.ID, o.Price, level.price)
				}
				if ref, ok := b.orders[o.ID]; !ok || ref.elem != e {
					return b.violation("order %s missing from index", o.ID)
				}
				sum = sum.Add(o.Remaining)
				seen++
			}
			if !sum.Equal(level.total) {
				return b.violation("level %s total %s != order sum %s", key, level.total, sum)
			}
		}
	}
	if seen != len(b.orders) {
		return b.violation("index holds %d orders, levels %d", len(b.orders), seen)
	}
	return nil
}

func (b *Book) violation(format string, args ...any) error {
	return &domain.InvariantViolation{WindowID: b.windowID, Detail: fmt.Sprintf(format, args...)}
}

func (b *Book) side(s domain.Side) *bookSide {
	if s == domain.SideBuy {
		return b.bids
	}
	return b.asks
}

// LevelView is a read-only copy of one price level.
type LevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth is a point-in-time copy of the top of the book.
type Depth struct {
	WindowID string      `json:"window_id"`
	Bids     []LevelView `json:"bids"`
	Asks     []LevelView `json:"asks"`
	Orders   int         `json:"orders"`
}

// Snapshot copies up to levels price levels per side (all when levels <= 0).
func (b *Book) Snapshot(levels int) Depth {
	return Depth{
		WindowID: b.windowID,
		Bids:     viewLevels(b.bids.sorted(), levels),
		Asks:     viewLevels(b.asks.sorted(), levels),
		Orders:   len(b.orders),
	}
}

func viewLevels(levels []*Level, max int) []LevelView {
	if max > 0 && len(levels) > max {
		levels = levels[:max]
	}
	out := make([]LevelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, LevelView{Price: l.price, Quantity: l.total, Orders: l.Len()})
	}
	return out
}

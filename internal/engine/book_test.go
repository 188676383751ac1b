package engine

import (
	"errors"
	"testing"

	"energy_market/internal/domain"
)

func TestBook_InsertAndBest(t *testing.T) {
	b := NewBook(testWindow)

	orders := []*domain.Order{
		newOrder("b1", "alice", domain.SideBuy, "5", "0.09", 1),
		newOrder("b2", "bob", domain.SideBuy, "3", "0.11", 2),
		newOrder("s1", "carol", domain.SideSell, "4", "0.15", 3),
		newOrder("s2", "dave", domain.SideSell, "2", "0.12", 4),
		newOrder("b3", "erin", domain.SideBuy, "1", "0.110", 5), // same level as b2
	}
	for _, o := range orders {
		if err := b.Insert(o); err != nil {
			t.Fatalf("Insert %s failed: %v", o.ID, err)
		}
	}

	if !b.BestBid().Price().Equal(dec("0.11")) {
		t.Errorf("Expected best bid 0.11, got %s", b.BestBid().Price())
	}
	if !b.BestAsk().Price().Equal(dec("0.12")) {
		t.Errorf("Expected best ask 0.12, got %s", b.BestAsk().Price())
	}
	if b.BestBid().Len() != 2 || !b.BestBid().TotalQty().Equal(dec("4")) {
		t.Errorf("Expected 2 orders totalling 4 at 0.11, got %d / %s", b.BestBid().Len(), b.BestBid().TotalQty())
	}
	if b.BestBid().Front().ID != "b2" {
		t.Errorf("Expected b2 at front, got %s", b.BestBid().Front().ID)
	}
	if orders[0].Status != domain.OrderStatusActive {
		t.Errorf("Expected ACTIVE after insert, got %s", orders[0].Status)
	}
	if b.Crossed() {
		t.Error("book should not be crossed")
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestBook_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *domain.Order)
		field  string
	}{
		{"zero quantity", func(o *domain.Order) { o.Quantity = dec("0"); o.Remaining = dec("0") }, "quantity"},
		{"negative price", func(o *domain.Order) { o.Price = dec("-0.1") }, "price"},
		{"zero price", func(o *domain.Order) { o.Price = dec("0") }, "price"},
		{"other window", func(o *domain.Order) { o.WindowID = "w-2" }, "window_id"},
		{"market order", func(o *domain.Order) { o.Kind = domain.OrderKindMarket }, "kind"},
		{"bad side", func(o *domain.Order) { o.Side = "HOLD" }, "side"},
		{"remaining above quantity", func(o *domain.Order) { o.Remaining = dec("11") }, "remaining"},
		{"missing id", func(o *domain.Order) { o.ID = " " }, "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBook(testWindow)
			o := newOrder("o1", "alice", domain.SideBuy, "10", "0.10", 1)
			tt.mutate(o)

			err := b.Insert(o)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, ve.Field)
			}
			if b.Len() != 0 {
				t.Error("rejected order must not enter the book")
			}
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		b := NewBook(testWindow)
		b.Insert(newOrder("o1", "alice", domain.SideBuy, "1", "0.10", 1))
		if err := b.Insert(newOrder("o1", "alice", domain.SideBuy, "1", "0.10", 2)); !domain.IsValidation(err) {
			t.Errorf("Expected ValidationError for duplicate, got %v", err)
		}
	})

	t.Run("terminal order", func(t *testing.T) {
		b := NewBook(testWindow)
		o := newOrder("o1", "alice", domain.SideBuy, "1", "0.10", 1)
		o.Status = domain.OrderStatusCancelled
		if err := b.Insert(o); !errors.Is(err, domain.ErrOrderTerminal) {
			t.Errorf("Expected ErrOrderTerminal, got %v", err)
		}
	})
}

func TestBook_RemovePrunesLevel(t *testing.T) {
	b := NewBook(testWindow)
	b.Insert(newOrder("s1", "a", domain.SideSell, "1", "0.10", 1))
	b.Insert(newOrder("s2", "b", domain.SideSell, "1", "0.12", 2))

	if _, err := b.Remove("s1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !b.BestAsk().Price().Equal(dec("0.12")) {
		t.Errorf("Expected 0.12 after pruning, got %s", b.BestAsk().Price())
	}
	if _, err := b.Remove("s1"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
	b.Remove("s2")
	if b.BestAsk() != nil {
		t.Error("Expected empty ask side")
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestBook_Reduce(t *testing.T) {
	b := NewBook(testWindow)
	o := newOrder("s1", "a", domain.SideSell, "10", "0.10", 1)
	b.Insert(o)

	if err := b.Reduce("s1", dec("4")); err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if o.Status != domain.OrderStatusPartiallyFilled || !o.Remaining.Equal(dec("6")) {
		t.Errorf("Expected PARTIALLY_FILLED with 6, got %s with %s", o.Status, o.Remaining)
	}
	if !b.BestAsk().TotalQty().Equal(dec("6")) {
		t.Errorf("Expected level total 6, got %s", b.BestAsk().TotalQty())
	}

	t.Run("overfill is an invariant violation", func(t *testing.T) {
		err := b.Reduce("s1", dec("7"))
		if !domain.IsInvariantViolation(err) {
			t.Errorf("Expected InvariantViolation, got %v", err)
		}
		if !o.Remaining.Equal(dec("6")) {
			t.Error("failed reduce must not change remaining")
		}
	})

	if err := b.Reduce("s1", dec("6")); err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if o.Status != domain.OrderStatusFilled || !o.Remaining.IsZero() {
		t.Errorf("Expected FILLED with 0, got %s with %s", o.Status, o.Remaining)
	}
	if b.Len() != 0 || b.BestAsk() != nil {
		t.Error("filled order must leave the book")
	}
}

func TestBook_RolledOrderKeepsArrivalPriority(t *testing.T) {
	b := NewBook(testWindow)
	b.Insert(newOrder("new", "a", domain.SideSell, "1", "0.10", 10))

	rolled := newOrder("old", "b", domain.SideSell, "1", "0.10", 2)
	rolled.Status = domain.OrderStatusPartiallyFilled
	if err := b.Insert(rolled); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if b.BestAsk().Front().ID != "old" {
		t.Errorf("Expected earlier arrival at front, got %s", b.BestAsk().Front().ID)
	}
	if rolled.Status != domain.OrderStatusPartiallyFilled {
		t.Errorf("insert must keep an open status, got %s", rolled.Status)
	}
}

func TestBook_VerifyDetectsCorruption(t *testing.T) {
	b := NewBook(testWindow)
	o := newOrder("s1", "a", domain.SideSell, "5", "0.10", 1)
	b.Insert(o)

	o.Remaining = dec("3") // bypass Reduce

	if err := b.Verify(); !domain.IsInvariantViolation(err) {
		t.Errorf("Expected InvariantViolation on level total mismatch, got %v", err)
	}
}

func TestBook_Snapshot(t *testing.T) {
	b := NewBook(testWindow)
	b.Insert(newOrder("b1", "a", domain.SideBuy, "1", "0.08", 1))
	b.Insert(newOrder("b2", "a", domain.SideBuy, "2", "0.09", 2))
	b.Insert(newOrder("b3", "a", domain.SideBuy, "3", "0.07", 3))
	b.Insert(newOrder("s1", "b", domain.SideSell, "4", "0.12", 4))

	d := b.Snapshot(2)
	if len(d.Bids) != 2 || len(d.Asks) != 1 || d.Orders != 4 {
		t.Fatalf("Unexpected depth shape: %+v", d)
	}
	if !d.Bids[0].Price.Equal(dec("0.09")) || !d.Bids[1].Price.Equal(dec("0.08")) {
		t.Errorf("Bids not best-first: %s, %s", d.Bids[0].Price, d.Bids[1].Price)
	}
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

// OrderKind is the execution style of an order. Only limit orders rest in the book.
type OrderKind string

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindMarket OrderKind = "MARKET"

	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusActive          OrderStatus = "ACTIVE"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// IsTerminal reports whether no further fills or cancellation can apply.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// Order is one intent to buy or sell energy at a limit price within a trading window.
// Quantities are energy amounts (kWh); Remaining is what is still open.
type Order struct {
	ID         string          `gorm:"primaryKey" json:"id"`
	WindowID   string          `gorm:"index" json:"window_id"`
	OwnerID    string          `gorm:"index" json:"owner_id"`
	Side       Side            `json:"side"`
	Kind       OrderKind       `json:"kind"`
	Quantity   decimal.Decimal `gorm:"type:varchar(40);not null" json:"quantity"`
	Remaining  decimal.Decimal `gorm:"type:varchar(40);not null" json:"remaining"`
	Price      decimal.Decimal `gorm:"type:varchar(40);not null" json:"price"`
	Status     OrderStatus     `gorm:"index" json:"status"`
	Seq        uint64          `gorm:"index" json:"seq"` // arrival sequence, breaks CreatedAt ties
	RolledFrom string          `json:"rolled_from,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// IsOpen checks if the order can still receive fills.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusActive || o.Status == OrderStatusPartiallyFilled
}

// Filled returns the quantity executed so far.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// ArrivedBefore reports whether o has time priority over other.
func (o *Order) ArrivedBefore(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

package domain

import (
	"context"
	"time"
)

// OrderStore persists orders. LoadOrders returns the open orders of a window in arrival order.
type OrderStore interface {
	LoadOrders(ctx context.Context, windowID string) ([]*Order, error)
	LoadOrder(ctx context.Context, id string) (*Order, error)
	SaveOrder(ctx context.Context, o *Order) error
	MaxOrderSeq(ctx context.Context) (uint64, error)
}

// TradeStore persists trade matches. PersistPass writes one matching pass atomically.
type TradeStore interface {
	SaveTradeMatch(ctx context.Context, t *TradeMatch) error
	LoadTradeMatches(ctx context.Context, windowID string) ([]*TradeMatch, error)
	PersistPass(ctx context.Context, trades []*TradeMatch, orders []*Order) error
}

// WindowStore persists trading windows.
type WindowStore interface {
	SaveWindow(ctx context.Context, w *Window) error
	LoadWindow(ctx context.Context, id string) (*Window, error)
	LoadWindowsByStatus(ctx context.Context, status WindowStatus) ([]*Window, error)
}

// SettlementStore persists settlements.
type SettlementStore interface {
	// CreateSettlement inserts s unless a settlement for the same trade exists; created reports which.
	CreateSettlement(ctx context.Context, s *Settlement) (created bool, err error)
	SaveSettlement(ctx context.Context, s *Settlement) error
	LoadSettlement(ctx context.Context, id string) (*Settlement, error)
	LoadSettlementByTrade(ctx context.Context, tradeID string) (*Settlement, error)
	LoadPendingSettlements(ctx context.Context) ([]*Settlement, error)
	LoadSubmittedSettlements(ctx context.Context) ([]*Settlement, error)
	// ClaimSettlement atomically bumps Attempts from attempts to attempts+1 and holds the record
	// until leaseUntil, if it is still Pending with that attempt count and no unexpired claim.
	// Exactly one concurrent caller wins.
	ClaimSettlement(ctx context.Context, id string, attempts int, now, leaseUntil time.Time) (bool, error)
	CountOpenSettlements(ctx context.Context, windowID string) (int64, error)
}

// Store is the durable record store the market core reads from and writes to.
type Store interface {
	OrderStore
	TradeStore
	WindowStore
	SettlementStore
}

// Ledger is the external distributed ledger. Calls are at-least-once attempts; idempotency
// is enforced by the settlement pipeline, not assumed of the ledger.
type Ledger interface {
	BuildAndSend(ctx context.Context, ins Instructions, signers []string) (TxRef, error)
	GetConfirmationStatus(ctx context.Context, ref TxRef) (ConfirmationStatus, error)
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the ledger lifecycle state of a settlement.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "PENDING"
	SettlementStatusSubmitted SettlementStatus = "SUBMITTED"
	SettlementStatusConfirmed SettlementStatus = "CONFIRMED"
	SettlementStatusFailed    SettlementStatus = "FAILED"
)

// IsTerminal reports whether the settlement can never transition again.
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusConfirmed || s == SettlementStatusFailed
}

// CanTransition enforces Pending -> Submitted -> {Confirmed | Failed}, Submitted -> Pending on retry,
// and Pending -> Failed when attempts are exhausted or an operator intervenes.
func (s SettlementStatus) CanTransition(next SettlementStatus) bool {
	switch s {
	case SettlementStatusPending:
		return next == SettlementStatusSubmitted || next == SettlementStatusFailed
	case SettlementStatusSubmitted:
		return next == SettlementStatusConfirmed || next == SettlementStatusFailed || next == SettlementStatusPending
	default:
		return false
	}
}

// Settlement drives one trade match to finality on the external ledger.
type Settlement struct {
	ID            string           `gorm:"primaryKey" json:"id"`
	TradeID       string           `gorm:"uniqueIndex" json:"trade_id"`
	WindowID      string           `gorm:"index" json:"window_id"`
	BuyerID       string           `json:"buyer_id"`
	SellerID      string           `json:"seller_id"`
	Quantity      decimal.Decimal  `gorm:"type:varchar(40);not null" json:"quantity"`
	Price         decimal.Decimal  `gorm:"type:varchar(40);not null" json:"price"`
	Gross         decimal.Decimal  `gorm:"type:varchar(40);not null" json:"gross"`
	Fee           decimal.Decimal  `gorm:"type:varchar(40);not null" json:"fee"`
	SellerNet     decimal.Decimal  `gorm:"type:varchar(40);not null" json:"seller_net"`
	Status        SettlementStatus `gorm:"index" json:"status"`
	Attempts      int              `json:"attempts"`
	Polls         int              `json:"polls"` // confirmation polls spent on the current attempt
	LastError     string           `json:"last_error,omitempty"`
	TxRef         string           `json:"tx_ref,omitempty"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	ClaimExpiry   int64            `json:"-"` // unix nanos; a worker holds the submission claim until then
	SubmittedAt   *time.Time       `json:"submitted_at,omitempty"`
	FinalizedAt   *time.Time       `json:"finalized_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Transfer moves Amount of Asset between two ledger accounts.
type Transfer struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Instructions is the ledger-bound payload for one settlement attempt.
type Instructions struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Transfers      []Transfer `json:"transfers"`
}

// TxRef identifies a transaction accepted by the ledger.
type TxRef string

// ConfirmationStatus is the finality state reported by the ledger.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationFailed    ConfirmationStatus = "FAILED"
)

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeMatch is the immutable record of one match between a bid and an ask.
type TradeMatch struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	WindowID     string          `gorm:"index" json:"window_id"`
	BuyOrderID   string          `gorm:"index" json:"buy_order_id"`
	SellOrderID  string          `gorm:"index" json:"sell_order_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	MakerOrderID string          `json:"maker_order_id"`
	Quantity     decimal.Decimal `gorm:"type:varchar(40);not null" json:"quantity"`
	Price        decimal.Decimal `gorm:"type:varchar(40);not null" json:"price"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Notional returns quantity * price.
func (t *TradeMatch) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

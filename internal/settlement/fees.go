package settlement

import (
	"energy_market/internal/domain"

	"github.com/shopspring/decimal"
)

// Amounts is the economic split of one trade.
type Amounts struct {
	Gross     decimal.Decimal // paid by the buyer
	Fee       decimal.Decimal // kept by the platform
	SellerNet decimal.Decimal // received by the seller
}

// ComputeAmounts splits a trade's notional: fee = round(qty*price*rate, decimals).
func ComputeAmounts(t *domain.TradeMatch, rate decimal.Decimal, decimals int32) Amounts {
	gross := t.Notional()
	fee := gross.Mul(rate).Round(decimals)
	if fee.GreaterThan(gross) {
		fee = gross
	}
	return Amounts{Gross: gross, Fee: fee, SellerNet: gross.Sub(fee)}
}

// Accounts names the ledger assets and the fee account transfers use.
type Accounts struct {
	Platform string
	Currency string
	Energy   string
}

// BuildInstructions turns a settlement into ledger transfers keyed by its trade id.
// Zero-amount legs are omitted.
func BuildInstructions(s *domain.Settlement, acc Accounts) domain.Instructions {
	ins := domain.Instructions{IdempotencyKey: s.TradeID}
	if s.SellerNet.IsPositive() {
		ins.Transfers = append(ins.Transfers, domain.Transfer{From: s.BuyerID, To: s.SellerID, Asset: acc.Currency, Amount: s.SellerNet})
	}
	if s.Fee.IsPositive() {
		ins.Transfers = append(ins.Transfers, domain.Transfer{From: s.BuyerID, To: acc.Platform, Asset: acc.Currency, Amount: s.Fee})
	}
	if s.Quantity.IsPositive() {
		ins.Transfers = append(ins.Transfers, domain.Transfer{From: s.SellerID, To: s.BuyerID, Asset: acc.Energy, Amount: s.Quantity})
	}
	return ins
}

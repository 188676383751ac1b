package engine

import (
	"fmt"
	"time"

	"energy_market/internal/domain"

	"github.com/google/uuid"
)

// Policy configures a matching pass.
type Policy struct {
	// SelfTradePrevention cancels the later-arrived of two crossing orders from the same owner
	// instead of matching them.
	SelfTradePrevention bool

	Now   func() time.Time
	NewID func() string
}

func (p Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p Policy) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

// PassResult is everything a matching pass changed.
type PassResult struct {
	Trades    []*domain.TradeMatch
	Cancelled []*domain.Order // removed by self-trade prevention
	Touched   []*domain.Order // every order whose remaining quantity or status changed, first-touch order
}

func (r *PassResult) touch(seen map[string]bool, o *domain.Order) {
	if seen[o.ID] {
		return
	}
	seen[o.ID] = true
	r.Touched = append(r.Touched, o)
}

// Match crosses the best bid against the best ask until the book no longer crosses.
//
// Each trade takes the smaller remaining quantity and executes at the maker's price, the maker
// being whichever of the two orders arrived first. Levels are consumed one at a time, so an order
// sweeping several levels trades at each level's price. On error the result still holds the
// trades made before the failure; the book must then be treated as corrupt.
func Match(b *Book, p Policy) (*PassResult, error) {
	res := &PassResult{}
	seen := make(map[string]bool)

	for b.Crossed() {
		buy := b.BestBid().Front()
		sell := b.BestAsk().Front()
		if buy == nil || sell == nil {
			return res, b.violation("non-empty level without orders")
		}

		if buy.OwnerID == sell.OwnerID && p.SelfTradePrevention {
			victim := buy
			if buy.ArrivedBefore(sell) {
				victim = sell
			}
			if _, err := b.Remove(victim.ID); err != nil {
				return res, b.violation("self-trade cancel of %s: %v", victim.ID, err)
			}
			victim.Status = domain.OrderStatusCancelled
			res.Cancelled = append(res.Cancelled, victim)
			res.touch(seen, victim)
			continue
		}

		qty := buy.Remaining
		if sell.Remaining.LessThan(qty) {
			qty = sell.Remaining
		}
		if !qty.IsPositive() {
			return res, b.violation("crossing orders %s/%s with non-positive quantity %s", buy.ID, sell.ID, qty)
		}

		maker := sell
		if buy.ArrivedBefore(sell) {
			maker = buy
		}
		trade := &domain.TradeMatch{
			ID:           p.newID(),
			WindowID:     b.windowID,
			BuyOrderID:   buy.ID,
			SellOrderID:  sell.ID,
			BuyerID:      buy.OwnerID,
			SellerID:     sell.OwnerID,
			MakerOrderID: maker.ID,
			Quantity:     qty,
			Price:        maker.Price,
			ExecutedAt:   p.now(),
		}

		if err := b.Reduce(buy.ID, qty); err != nil {
			return res, fmt.Errorf("reduce bid: %w", err)
		}
		if err := b.Reduce(sell.ID, qty); err != nil {
			return res, fmt.Errorf("reduce ask: %w", err)
		}

		res.Trades = append(res.Trades, trade)
		res.touch(seen, buy)
		res.touch(seen, sell)
	}

	return res, nil
}

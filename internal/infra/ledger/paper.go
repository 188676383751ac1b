package ledger

import (
	"context"
	"fmt"
	"sync"

	"energy_market/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ domain.Ledger = (*Paper)(nil)

type paperTx struct {
	ins   domain.Instructions
	polls int
	state domain.ConfirmationStatus
}

// Paper is an in-process ledger that applies transfers to local balances.
// A transaction confirms once it has been polled confirmAfter times. Resubmitting an
// idempotency key returns the original signature without moving funds twice.
type Paper struct {
	mu           sync.Mutex
	confirmAfter int
	strict       bool // reject transfers that would overdraw an account
	balances     map[string]decimal.Decimal
	txs          map[domain.TxRef]*paperTx
	byKey        map[string]domain.TxRef
}

// NewPaper creates a paper ledger. confirmAfter < 1 confirms on the first poll.
func NewPaper(confirmAfter int, strict bool) *Paper {
	if confirmAfter < 1 {
		confirmAfter = 1
	}
	return &Paper{
		confirmAfter: confirmAfter,
		strict:       strict,
		balances:     make(map[string]decimal.Decimal),
		txs:          make(map[domain.TxRef]*paperTx),
		byKey:        make(map[string]domain.TxRef),
	}
}

func balanceKey(account, asset string) string {
	return account + "/" + asset
}

// Deposit credits an account.
func (p *Paper) Deposit(account, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := balanceKey(account, asset)
	p.balances[k] = p.balances[k].Add(amount)
}

// Balance returns an account's balance of asset.
func (p *Paper) Balance(account, asset string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[balanceKey(account, asset)]
}

// Submissions returns how many distinct transactions were accepted.
func (p *Paper) Submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txs)
}

func (p *Paper) BuildAndSend(ctx context.Context, ins domain.Instructions, signers []string) (domain.TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewNetworkError("send", err)
	}
	if len(ins.Transfers) == 0 {
		return "", &domain.LedgerError{Code: 400, Message: "no transfers"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ins.IdempotencyKey != "" {
		if ref, ok := p.byKey[ins.IdempotencyKey]; ok {
			return ref, nil
		}
	}

	ref := domain.TxRef(uuid.NewString())
	p.txs[ref] = &paperTx{ins: ins, state: domain.ConfirmationPending}
	if ins.IdempotencyKey != "" {
		p.byKey[ins.IdempotencyKey] = ref
	}
	return ref, nil
}

func (p *Paper) GetConfirmationStatus(ctx context.Context, ref domain.TxRef) (domain.ConfirmationStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewNetworkError("status", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx, ok := p.txs[ref]
	if !ok {
		return "", &domain.LedgerError{Code: 404, Message: fmt.Sprintf("unknown transaction %s", ref)}
	}
	if tx.state != domain.ConfirmationPending {
		return tx.state, nil
	}

	tx.polls++
	if tx.polls < p.confirmAfter {
		return domain.ConfirmationPending, nil
	}

	if err := p.apply(tx.ins.Transfers); err != nil {
		tx.state = domain.ConfirmationFailed
		// A failed transaction frees its key for a later attempt.
		delete(p.byKey, tx.ins.IdempotencyKey)
		return tx.state, nil
	}
	tx.state = domain.ConfirmationConfirmed
	return tx.state, nil
}

// apply moves funds atomically: all transfers or none. Caller holds mu.
func (p *Paper) apply(transfers []domain.Transfer) error {
	next := make(map[string]decimal.Decimal)
	get := func(k string) decimal.Decimal {
		if v, ok := next[k]; ok {
			return v
		}
		return p.balances[k]
	}

	for _, t := range transfers {
		if !t.Amount.IsPositive() {
			return fmt.Errorf("non-positive amount %s", t.Amount)
		}
		from, to := balanceKey(t.From, t.Asset), balanceKey(t.To, t.Asset)
		fb := get(from).Sub(t.Amount)
		if p.strict && fb.IsNegative() {
			return fmt.Errorf("insufficient %s balance for %s", t.Asset, t.From)
		}
		next[from] = fb
		next[to] = get(to).Add(t.Amount)
	}

	for k, v := range next {
		p.balances[k] = v
	}
	return nil
}

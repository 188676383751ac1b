package ledger

import (
	"context"
	"testing"

	"energy_market/internal/domain"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tradeInstructions(key string) domain.Instructions {
	return domain.Instructions{
		IdempotencyKey: key,
		Transfers: []domain.Transfer{
			{From: "buyer", To: "seller", Asset: "USDC", Amount: d("0.999")},
			{From: "buyer", To: "platform", Asset: "USDC", Amount: d("0.001")},
			{From: "seller", To: "buyer", Asset: "KWH", Amount: d("10")},
		},
	}
}

func TestPaper_ConfirmsAfterPolls(t *testing.T) {
	paper := NewPaper(2, false)
	ctx := context.Background()

	paper.Deposit("buyer", "USDC", d("5"))
	paper.Deposit("seller", "KWH", d("10"))

	ref, err := paper.BuildAndSend(ctx, tradeInstructions("t1"), []string{"platform"})
	if err != nil {
		t.Fatalf("BuildAndSend failed: %v", err)
	}

	st, _ := paper.GetConfirmationStatus(ctx, ref)
	if st != domain.ConfirmationPending {
		t.Fatalf("Expected PENDING on first poll, got %s", st)
	}
	if !paper.Balance("buyer", "USDC").Equal(d("5")) {
		t.Error("funds must not move before confirmation")
	}

	st, _ = paper.GetConfirmationStatus(ctx, ref)
	if st != domain.ConfirmationConfirmed {
		t.Fatalf("Expected CONFIRMED on second poll, got %s", st)
	}

	if got := paper.Balance("buyer", "USDC"); !got.Equal(d("4")) {
		t.Errorf("Expected buyer USDC 4, got %s", got)
	}
	if got := paper.Balance("seller", "USDC"); !got.Equal(d("0.999")) {
		t.Errorf("Expected seller USDC 0.999, got %s", got)
	}
	if got := paper.Balance("platform", "USDC"); !got.Equal(d("0.001")) {
		t.Errorf("Expected platform fee 0.001, got %s", got)
	}
	if got := paper.Balance("buyer", "KWH"); !got.Equal(d("10")) {
		t.Errorf("Expected buyer KWH 10, got %s", got)
	}
}

func TestPaper_IdempotencyKey(t *testing.T) {
	paper := NewPaper(1, false)
	ctx := context.Background()

	r1, _ := paper.BuildAndSend(ctx, tradeInstructions("t1"), nil)
	r2, _ := paper.BuildAndSend(ctx, tradeInstructions("t1"), nil)
	if r1 != r2 {
		t.Errorf("Expected same signature for the same key, got %s and %s", r1, r2)
	}
	if paper.Submissions() != 1 {
		t.Errorf("Expected 1 submission, got %d", paper.Submissions())
	}
}

func TestPaper_InsufficientBalanceFails(t *testing.T) {
	paper := NewPaper(1, true)
	ctx := context.Background()
	paper.Deposit("buyer", "USDC", d("0.5"))

	ref, err := paper.BuildAndSend(ctx, tradeInstructions("t1"), nil)
	if err != nil {
		t.Fatalf("BuildAndSend failed: %v", err)
	}
	st, _ := paper.GetConfirmationStatus(ctx, ref)
	if st != domain.ConfirmationFailed {
		t.Fatalf("Expected FAILED, got %s", st)
	}
	if !paper.Balance("buyer", "USDC").Equal(d("0.5")) {
		t.Error("failed transaction must not move funds")
	}

	// The key is free again for a retry.
	ref2, _ := paper.BuildAndSend(ctx, tradeInstructions("t1"), nil)
	if ref2 == ref {
		t.Error("Expected a new transaction after failure")
	}
}

func TestPaper_UnknownTx(t *testing.T) {
	paper := NewPaper(1, false)
	_, err := paper.GetConfirmationStatus(context.Background(), "nope")
	if !domain.IsRetriable(err) {
		t.Errorf("Expected retriable LedgerError, got %v", err)
	}
}

func TestPaper_ImplementsInterface(t *testing.T) {
	var _ domain.Ledger = (*Paper)(nil)
}

package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"energy_market/internal/domain"
	"energy_market/internal/event"

	"github.com/shopspring/decimal"
)

func TestEncodeTradeExecuted(t *testing.T) {
	tr := &domain.TradeMatch{
		ID:         "t-1",
		WindowID:   "w-1",
		Quantity:   decimal.RequireFromString("10"),
		Price:      decimal.RequireFromString("0.10"),
		ExecutedAt: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	msg, err := Encode(event.NewTradeExecuted(tr))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if string(msg.Key) != "t-1" {
		t.Errorf("Expected key t-1, got %s", msg.Key)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != string(event.TypeTradeExecuted) {
		t.Errorf("Expected event_type header, got %+v", msg.Headers)
	}

	var decoded struct {
		Type    string `json:"event_type"`
		Payload struct {
			Trade struct {
				Price string `json:"price"`
			} `json:"trade"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Type != "trade.executed" {
		t.Errorf("Expected trade.executed, got %s", decoded.Type)
	}
	if decoded.Payload.Trade.Price != "0.1" {
		t.Errorf("Expected decimal price as string 0.1, got %s", decoded.Payload.Trade.Price)
	}
}

func TestProducerName(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "events")
	defer p.Close()
	if p.Name() != "kafka" {
		t.Errorf("Expected kafka, got %s", p.Name())
	}
}

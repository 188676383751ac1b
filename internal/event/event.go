package event

import (
	"strconv"
	"strings"
	"time"

	"energy_market/internal/domain"

	"github.com/google/uuid"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeTradeExecuted           Type = "trade.executed"
	TypeSettlementStatusChanged Type = "settlement.status_changed"
	TypeWindowStatusChanged     Type = "window.status_changed"
)

// Version of the event envelope.
const Version = 1

// Event is the envelope published for every observable market state change.
type Event struct {
	ID        string    `json:"event_id"`
	Type      Type      `json:"event_type"`
	Version   int       `json:"event_version"`
	Timestamp time.Time `json:"timestamp"`
	WindowID  string    `json:"window_id"`
	Key       string    `json:"key"` // partition key: trade, settlement or window id
	Payload   any       `json:"payload"`
}

// TradeExecuted carries a persisted trade match.
type TradeExecuted struct {
	Trade *domain.TradeMatch `json:"trade"`
}

// SettlementStatusChanged reports one settlement transition.
type SettlementStatusChanged struct {
	SettlementID string                  `json:"settlement_id"`
	TradeID      string                  `json:"trade_id"`
	From         domain.SettlementStatus `json:"from"`
	To           domain.SettlementStatus `json:"to"`
	Attempts     int                     `json:"attempts"`
	TxRef        string                  `json:"tx_ref,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// WindowStatusChanged reports one window transition, or a halt when From == To.
type WindowStatusChanged struct {
	From       domain.WindowStatus `json:"from"`
	To         domain.WindowStatus `json:"to"`
	HaltReason string              `json:"halt_reason,omitempty"`
}

// DeterministicID derives a stable event id so redelivered events can be deduplicated downstream.
func DeterministicID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

// NewTradeExecuted builds the event for a trade match.
func NewTradeExecuted(t *domain.TradeMatch) Event {
	return Event{
		ID:        DeterministicID(string(TypeTradeExecuted), t.ID),
		Type:      TypeTradeExecuted,
		Version:   Version,
		Timestamp: t.ExecutedAt,
		WindowID:  t.WindowID,
		Key:       t.ID,
		Payload:   TradeExecuted{Trade: t},
	}
}

// NewSettlementStatusChanged builds the event for a settlement moving from -> s.Status.
func NewSettlementStatusChanged(s *domain.Settlement, from domain.SettlementStatus, at time.Time) Event {
	return Event{
		ID:        DeterministicID(string(TypeSettlementStatusChanged), s.ID, string(from), string(s.Status), strconv.Itoa(s.Attempts)),
		Type:      TypeSettlementStatusChanged,
		Version:   Version,
		Timestamp: at,
		WindowID:  s.WindowID,
		Key:       s.ID,
		Payload: SettlementStatusChanged{
			SettlementID: s.ID,
			TradeID:      s.TradeID,
			From:         from,
			To:           s.Status,
			Attempts:     s.Attempts,
			TxRef:        s.TxRef,
			Error:        s.LastError,
		},
	}
}

// NewWindowStatusChanged builds the event for a window moving from -> w.Status.
func NewWindowStatusChanged(w *domain.Window, from domain.WindowStatus, at time.Time) Event {
	return Event{
		ID:        DeterministicID(string(TypeWindowStatusChanged), w.ID, string(from), string(w.Status), w.HaltReason),
		Type:      TypeWindowStatusChanged,
		Version:   Version,
		Timestamp: at,
		WindowID:  w.ID,
		Key:       w.ID,
		Payload: WindowStatusChanged{
			From:       from,
			To:         w.Status,
			HaltReason: w.HaltReason,
		},
	}
}

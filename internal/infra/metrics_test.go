package infra

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestMetrics_RecordTrade(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTrade(decimal.NewFromInt(5))
	m.RecordTrade(decimal.RequireFromString("2.5"))

	if got := testutil.ToFloat64(m.Trades); got != 2 {
		t.Errorf("Expected 2 trades, got %v", got)
	}
	if got := testutil.ToFloat64(m.MatchedEnergy); got != 7.5 {
		t.Errorf("Expected 7.5 matched energy, got %v", got)
	}
}

func TestMetrics_Labels(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOrder("accepted")
	m.RecordOrder("accepted")
	m.RecordOrder("rejected")
	m.RecordSettlement("CONFIRMED")
	m.RecordLedgerCall("send", "error")

	if got := testutil.ToFloat64(m.OrdersSubmitted.WithLabelValues("accepted")); got != 2 {
		t.Errorf("Expected 2 accepted, got %v", got)
	}
	if got := testutil.ToFloat64(m.OrdersSubmitted.WithLabelValues("rejected")); got != 1 {
		t.Errorf("Expected 1 rejected, got %v", got)
	}
	if got := testutil.ToFloat64(m.SettlementTransitions.WithLabelValues("CONFIRMED")); got != 1 {
		t.Errorf("Expected 1 confirmed transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.LedgerCalls.WithLabelValues("send", "error")); got != 1 {
		t.Errorf("Expected 1 failed send, got %v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordOrder("accepted")
	m.RecordTrade(decimal.NewFromInt(1))
	m.ObservePass(time.Millisecond)
	m.RecordHalt()
	m.RecordDroppedEvent()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordHalt()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "market_windows_halted_total 1") {
		t.Errorf("Expected halted counter in scrape output, got:\n%s", rec.Body.String())
	}
}

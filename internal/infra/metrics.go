package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics groups the market's prometheus collectors. All methods are safe on a nil receiver
// so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted       *prometheus.CounterVec
	OrdersCancelled       prometheus.Counter
	OrdersDisposed        *prometheus.CounterVec
	Trades                prometheus.Counter
	MatchedEnergy         prometheus.Counter
	PassDuration          prometheus.Histogram
	WindowsHalted         prometheus.Counter
	WindowTransitions     *prometheus.CounterVec
	SettlementTransitions *prometheus.CounterVec
	LedgerCalls           *prometheus.CounterVec
	EventsDropped         prometheus.Counter
}

// NewMetrics registers all collectors on registry. A nil registry gets a fresh one
// with the Go and process collectors attached.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: registry,
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_orders_submitted_total",
			Help: "Orders submitted to the market by result.",
		}, []string{"result"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_orders_cancelled_total",
			Help: "Orders cancelled by participants or self-trade prevention.",
		}),
		OrdersDisposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_orders_disposed_total",
			Help: "Unmatched orders handled at window close by disposition.",
		}, []string{"disposition"}),
		Trades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_trades_total",
			Help: "Trade matches produced.",
		}),
		MatchedEnergy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_matched_energy_total",
			Help: "Energy quantity matched.",
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_match_pass_duration_seconds",
			Help:    "Matching pass latency including persistence.",
			Buckets: prometheus.DefBuckets,
		}),
		WindowsHalted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_windows_halted_total",
			Help: "Windows that stopped matching on an invariant violation.",
		}),
		WindowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_window_transitions_total",
			Help: "Window status transitions by target status.",
		}, []string{"status"}),
		SettlementTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Settlement status transitions by target status.",
		}, []string{"status"}),
		LedgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_calls_total",
			Help: "Ledger collaborator calls by operation and result.",
		}, []string{"op", "result"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Outbound events dropped because the bus buffer was full.",
		}),
	}

	registry.MustRegister(
		m.OrdersSubmitted, m.OrdersCancelled, m.OrdersDisposed, m.Trades, m.MatchedEnergy, m.PassDuration,
		m.WindowsHalted, m.WindowTransitions, m.SettlementTransitions, m.LedgerCalls, m.EventsDropped,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOrder counts an intake result ("accepted" or "rejected").
func (m *Metrics) RecordOrder(result string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(result).Inc()
}

// RecordCancel counts a cancelled order.
func (m *Metrics) RecordCancel() {
	if m == nil {
		return
	}
	m.OrdersCancelled.Inc()
}

// RecordDisposition counts an unmatched order expired or rolled at window close.
func (m *Metrics) RecordDisposition(disposition string) {
	if m == nil {
		return
	}
	m.OrdersDisposed.WithLabelValues(disposition).Inc()
}

// RecordTrade counts one trade match and its quantity.
func (m *Metrics) RecordTrade(qty decimal.Decimal) {
	if m == nil {
		return
	}
	m.Trades.Inc()
	m.MatchedEnergy.Add(qty.InexactFloat64())
}

// ObservePass records matching pass latency.
func (m *Metrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.Observe(d.Seconds())
}

// RecordHalt counts a halted window.
func (m *Metrics) RecordHalt() {
	if m == nil {
		return
	}
	m.WindowsHalted.Inc()
}

// RecordWindow counts a window transition.
func (m *Metrics) RecordWindow(status string) {
	if m == nil {
		return
	}
	m.WindowTransitions.WithLabelValues(status).Inc()
}

// RecordSettlement counts a settlement transition.
func (m *Metrics) RecordSettlement(status string) {
	if m == nil {
		return
	}
	m.SettlementTransitions.WithLabelValues(status).Inc()
}

// RecordLedgerCall counts a ledger call ("send"/"status", "ok"/"error").
func (m *Metrics) RecordLedgerCall(op, result string) {
	if m == nil {
		return
	}
	m.LedgerCalls.WithLabelValues(op, result).Inc()
}

// RecordDroppedEvent counts an outbound event the bus could not buffer.
func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

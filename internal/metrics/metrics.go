// Package metrics exposes Prometheus metrics and the /healthz probe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for a desk session.
type Metrics struct {
	// Market feed
	FeedMessages   *prometheus.CounterVec // labels: type=kline|trade
	FeedReconnects prometheus.Counter
	FeedState      prometheus.Gauge       // numeric feed.State
	FeedPolls      *prometheus.CounterVec // labels: result=ok|error
	DataErrors     prometheus.Counter
	LastPrice      prometheus.Gauge

	// Candle buffer + indicators
	CandleUpserts    *prometheus.CounterVec // labels: op
	IndicatorStepDur prometheus.Histogram
	IndicatorResyncs prometheus.Counter

	// Ledger
	TradesTotal  *prometheus.CounterVec // labels: side
	TradeRejects *prometheus.CounterVec // labels: reason

	// Strategy runner
	BackendRequestDur *prometheus.HistogramVec // labels: op, result
	LiveTestChecks    *prometheus.CounterVec   // labels: result
	RunState          prometheus.Gauge         // 0=idle 1=starting 2=running 3=stopping

	// Event bus circuit breaker
	EventBusBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	EventBusBreakerTrips prometheus.Counter
	EventBusBuffered     prometheus.Counter
	EventBusDropped      prometheus.Counter

	// Gateway
	WSClients prometheus.Gauge
	WSDrops   prometheus.Counter

	// Alerts
	AlertsTotal *prometheus.CounterVec // labels: result
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fast := []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}

	m := &Metrics{
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_feed_messages_total",
			Help: "Feed messages normalized (by type)",
		}, []string{"type"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_feed_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptodesk_feed_state",
			Help: "Feed state (0=disconnected 1=connecting 2=connected 3=reconnect_wait 4=failed 5=polling 6=stopped)",
		}),
		FeedPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_feed_polls_total",
			Help: "REST kline pulls (backfill and fallback polling)",
		}, []string{"result"}),
		DataErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_feed_data_errors_total",
			Help: "Malformed feed payloads dropped",
		}),
		LastPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptodesk_last_price",
			Help: "Last trade price of the active symbol",
		}),

		CandleUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_candle_upserts_total",
			Help: "Candle buffer upserts (by operation)",
		}, []string{"op"}),
		IndicatorStepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cryptodesk_indicator_step_duration_seconds",
			Help:    "Indicator engine step latency per candle",
			Buckets: fast,
		}),
		IndicatorResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_indicator_resyncs_total",
			Help: "Full indicator rebuilds from the candle buffer",
		}),

		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_trades_total",
			Help: "Paper trades applied (by side)",
		}, []string{"side"}),
		TradeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_trade_rejects_total",
			Help: "Paper trades rejected (by reason)",
		}, []string{"reason"}),

		BackendRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cryptodesk_backend_request_duration_seconds",
			Help:    "Strategy backend request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "result"}),
		LiveTestChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_livetest_checks_total",
			Help: "Live-test checks (by result)",
		}, []string{"result"}),
		RunState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptodesk_run_state",
			Help: "Strategy runner state (0=idle 1=starting 2=running 3=stopping)",
		}),

		EventBusBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptodesk_eventbus_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		EventBusBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_eventbus_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		EventBusBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_eventbus_buffered_total",
			Help: "Events buffered while the breaker was open",
		}),
		EventBusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_eventbus_dropped_total",
			Help: "Events dropped on a full publish queue",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptodesk_ws_clients",
			Help: "Connected UI WebSocket clients",
		}),
		WSDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptodesk_ws_dropped_messages_total",
			Help: "Messages dropped for slow UI clients",
		}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptodesk_alerts_total",
			Help: "Alert deliveries (by result)",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.FeedMessages,
		m.FeedReconnects,
		m.FeedState,
		m.FeedPolls,
		m.DataErrors,
		m.LastPrice,
		m.CandleUpserts,
		m.IndicatorStepDur,
		m.IndicatorResyncs,
		m.TradesTotal,
		m.TradeRejects,
		m.BackendRequestDur,
		m.LiveTestChecks,
		m.RunState,
		m.EventBusBreakerState,
		m.EventBusBreakerTrips,
		m.EventBusBuffered,
		m.EventBusDropped,
		m.WSClients,
		m.WSDrops,
		m.AlertsTotal,
	)

	return m
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

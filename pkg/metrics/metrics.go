package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchd_requests_total",
			Help: "Engine requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	fillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchd_fills_total",
			Help: "Fills produced by the matching engine",
		},
		[]string{"market"},
	)

	restingOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matchd_resting_orders",
			Help: "Orders currently resting on the book",
		},
		[]string{"market"},
	)

	marketsHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "matchd_markets_halted",
			Help: "Markets halted after an internal inconsistency",
		},
	)

	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchd_events_dropped_total",
			Help: "Outbound events dropped because the dispatch buffer was full",
		},
		[]string{"kind"},
	)

	publishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchd_publish_errors_total",
			Help: "Outbound delivery failures by sink",
		},
		[]string{"sink"},
	)

	snapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "matchd_snapshot_duration_seconds",
			Help:    "Time to copy and persist one engine snapshot",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	snapshotFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "matchd_snapshot_failures_total",
			Help: "Snapshot writes that returned an error",
		},
	)
)

// Request records one processed engine request. outcome is "ok" or the
// rejection code.
func Request(reqType, outcome string) {
	requestsTotal.WithLabelValues(reqType, outcome).Inc()
}

func Fills(market string, n int) {
	if n > 0 {
		fillsTotal.WithLabelValues(market).Add(float64(n))
	}
}

func RestingOrders(market string, n int) {
	restingOrders.WithLabelValues(market).Set(float64(n))
}

func MarketHalted() {
	marketsHalted.Inc()
}

func EventDropped(kind string) {
	eventsDropped.WithLabelValues(kind).Inc()
}

func PublishError(sink string) {
	publishErrors.WithLabelValues(sink).Inc()
}

// Snapshot records a snapshot attempt that started at start.
func Snapshot(start time.Time, err error) {
	snapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		snapshotFailures.Inc()
	}
}

// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Parent orders accepted by the paper trader",
		},
		[]string{"side"},
	)

	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Parent orders refused before execution",
		},
		[]string{"reason"},
	)

	fillsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Child fills applied to the ledger",
		},
		[]string{"side"},
	)

	breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_breaker_trips_total",
			Help: "Circuit breaker trips by kind",
		},
		[]string{"kind"},
	)

	alertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_alerts_total",
			Help: "Alerts raised by the execution monitor",
		},
		[]string{"severity"},
	)

	slippageEstimateBps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_slippage_estimate_bps",
			Help:    "Pre-trade slippage estimates in basis points",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 50, 75, 100},
		},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_execution_duration_seconds",
			Help:    "Wall time from plan start to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"strategy"},
	)

	cashGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_cash",
			Help: "Paper trader cash balance",
		},
	)

	portfolioValueGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_portfolio_value",
			Help: "Paper trader portfolio value",
		},
	)

	portfolioHeatGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_portfolio_heat",
			Help: "Total absolute exposure over account balance",
		},
	)

	activePlansGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_plans",
			Help: "Execution plans currently running",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ordersPlaced, ordersRejected, fillsRecorded, breakerTrips,
		alertsRaised, slippageEstimateBps, executionDuration,
		cashGauge, portfolioValueGauge, portfolioHeatGauge, activePlansGauge,
	)
}

// OrderPlaced counts an accepted parent order.
func OrderPlaced(side string) { ordersPlaced.WithLabelValues(side).Inc() }

// OrderRejected counts a refusal with its reason label.
func OrderRejected(reason string) { ordersRejected.WithLabelValues(reason).Inc() }

// FillRecorded counts a child fill applied to the ledger.
func FillRecorded(side string) { fillsRecorded.WithLabelValues(side).Inc() }

// BreakerTripped counts a breaker trip.
func BreakerTripped(kind string) { breakerTrips.WithLabelValues(kind).Inc() }

// AlertRaised counts a monitor alert.
func AlertRaised(severity string) { alertsRaised.WithLabelValues(severity).Inc() }

// ObserveSlippageEstimate records a pre-trade estimate in bps.
func ObserveSlippageEstimate(bps float64) { slippageEstimateBps.Observe(bps) }

// ObserveExecutionDuration records a completed plan's wall time.
func ObserveExecutionDuration(strategy string, seconds float64) {
	executionDuration.WithLabelValues(strategy).Observe(seconds)
}

// SetCash updates the cash gauge.
func SetCash(v float64) { cashGauge.Set(v) }

// SetPortfolioValue updates the portfolio value gauge.
func SetPortfolioValue(v float64) { portfolioValueGauge.Set(v) }

// SetPortfolioHeat updates the heat gauge.
func SetPortfolioHeat(v float64) { portfolioHeatGauge.Set(v) }

// SetActivePlans updates the running-plan gauge.
func SetActivePlans(n int) { activePlansGauge.Set(float64(n)) }

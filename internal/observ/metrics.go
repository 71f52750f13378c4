package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mtxDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_decisions_total",
			Help: "Trade intents evaluated, by action and code",
		},
		[]string{"action", "code"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_orders_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"side", "purpose"},
	)

	mtxOrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_order_failures_total",
			Help: "Orders the exchange rejected or that failed in transit",
		},
		[]string{"purpose"},
	)

	mtxKillswitchTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_killswitch_trips_total",
			Help: "Feature keys disabled by the killswitch",
		},
		[]string{"feature"},
	)

	// Exits split by reason: stop_loss, break_even_stop, trailing_stop, take_profit, time_exit, manual.
	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_exit_reasons_total",
			Help: "Closed positions by exit reason and side",
		},
		[]string{"reason", "side"},
	)

	mtxStopMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_stop_moves_total",
			Help: "Stop migrations applied by the lifecycle manager",
		},
		[]string{"kind"},
	)

	mtxAuditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_audit_write_failures_total",
			Help: "Audit events that could not be persisted after retries",
		},
	)

	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_open_positions",
			Help: "Currently open positions",
		},
	)

	mtxDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_drawdown_percent",
			Help: "Portfolio drawdown from peak equity",
		},
	)

	mtxLossStreak = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_consecutive_losses",
			Help: "Current consecutive losing trades",
		},
	)

	mtxCircuitBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_circuit_breaker_triggered",
			Help: "1 while the portfolio circuit breaker is latched",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxDecisions, mtxOrders, mtxOrderFailures, mtxKillswitchTrips, mtxExitReasons,
		mtxStopMoves, mtxAuditFailures, mtxOpenPositions, mtxDrawdown, mtxLossStreak, mtxCircuitBreaker,
	)
}

func RecordDecision(action, code string) { mtxDecisions.WithLabelValues(action, code).Inc() }
func RecordOrder(side, purpose string)   { mtxOrders.WithLabelValues(side, purpose).Inc() }
func RecordOrderFailure(purpose string)  { mtxOrderFailures.WithLabelValues(purpose).Inc() }
func RecordKillswitchTrip(feature string) {
	mtxKillswitchTrips.WithLabelValues(feature).Inc()
}
func RecordExit(reason, side string) { mtxExitReasons.WithLabelValues(reason, side).Inc() }
func RecordStopMove(kind string)     { mtxStopMoves.WithLabelValues(kind).Inc() }
func RecordAuditFailure()            { mtxAuditFailures.Inc() }

func SetOpenPositions(n int)    { mtxOpenPositions.Set(float64(n)) }
func SetDrawdown(pct float64)   { mtxDrawdown.Set(pct) }
func SetLossStreak(n int)       { mtxLossStreak.Set(float64(n)) }
func SetCircuitBreaker(on bool) {
	if on {
		mtxCircuitBreaker.Set(1)
		return
	}
	mtxCircuitBreaker.Set(0)
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }

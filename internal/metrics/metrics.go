// Package metrics registers the Prometheus instruments for the control
// plane. Served at /metrics in Prometheus text exposition format.
//
//   - guardian_reconcile_sweeps_total{result}    – sweeps by result (clean|mismatch|error)
//   - guardian_mismatches_total{kind}            – mismatches by kind (orphan_local|orphan_broker|quantity|missing_position)
//   - guardian_orders_cancelled_total            – remediation cancels issued
//   - guardian_exit_attempts_total{result}       – exit submissions (ok|failed)
//   - guardian_exit_queue_depth                  – unresolved exit retry entries
//   - guardian_breaker_denials_total{reason}     – trade permission denials
//   - guardian_trades_closed_total{reason}       – finalized closes by reason
//   - guardian_safe_mode / guardian_panic_mode   – 0/1 state gauges
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ReconcileSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_reconcile_sweeps_total",
			Help: "Reconciliation sweeps by result",
		},
		[]string{"result"}, // clean|mismatch|error
	)

	Mismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_mismatches_total",
			Help: "Reconciliation mismatches by kind",
		},
		[]string{"kind"},
	)

	OrdersCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardian_orders_cancelled_total",
			Help: "Orders cancelled during remediation",
		},
	)

	ExitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_exit_attempts_total",
			Help: "Exit order submissions",
		},
		[]string{"result"}, // ok|failed
	)

	ExitQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_exit_queue_depth",
			Help: "Unresolved exit retry entries",
		},
	)

	BreakerDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_breaker_denials_total",
			Help: "Trade permission denials by reason",
		},
		[]string{"reason"}, // safe_mode|panic_mode|cooldown|daily_loss
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardian_trades_closed_total",
			Help: "Finalized trade closes by reason",
		},
		[]string{"reason"},
	)

	SafeMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_safe_mode",
			Help: "1 when safe mode is active",
		},
	)

	PanicMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardian_panic_mode",
			Help: "1 when panic mode is active",
		},
	)

	StopEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guardian_stop_escalations_total",
			Help: "Stop-loss failures escalated to forced exit",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconcileSweeps,
		Mismatches,
		OrdersCancelled,
		ExitAttempts,
		ExitQueueDepth,
		BreakerDenials,
		TradesClosed,
		SafeMode,
		PanicMode,
		StopEscalations,
	)
}

// SetBool flips a 0/1 state gauge
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// Package metrics exposes the Prometheus counters and gauges the
// orchestrator and health/watchdog components record against. There is
// no HTTP /metrics endpoint wired up (no HTTP surface exists in this
// daemon's scope, per SPEC_FULL.md); these are consumed in-process by
// tests and by the default Prometheus registry for any operator that
// wants to scrape the process externally via a separate exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateTransitions counts each provisioning state transition.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisiond_state_transitions_total",
		Help: "Total number of provisioning state machine transitions",
	}, []string{"from", "event", "to"})

	// BLEAuthFailures counts failed BLE handshake/credential
	// authentications.
	BLEAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisiond_ble_auth_failures_total",
		Help: "Total number of failed BLE authentications",
	}, []string{"reason"})

	// ConnectAttempts counts Wi-Fi connect attempts by outcome.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisiond_connect_attempts_total",
		Help: "Total number of Wi-Fi connect attempts",
	}, []string{"outcome"})

	// LockoutEvents counts owner lockout threshold crossings.
	LockoutEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provisiond_lockout_events_total",
		Help: "Total number of times the owner lockout threshold was crossed",
	})

	// RecoveryEvents counts watchdog-triggered recovery events by kind.
	RecoveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisiond_recovery_events_total",
		Help: "Total number of watchdog recovery events emitted",
	}, []string{"kind"})

	// CurrentState is a gauge of the current state's status code.
	CurrentState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provisiond_current_state",
		Help: "Current provisioning state, encoded as its C_STATUS status code",
	})
)

// RecordTransition increments StateTransitions and updates CurrentState.
func RecordTransition(from, event, to string, statusCode byte) {
	StateTransitions.WithLabelValues(from, event, to).Inc()
	CurrentState.Set(float64(statusCode))
}

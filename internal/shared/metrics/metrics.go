// Package metrics holds the Prometheus collectors shared by the coordinator components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lectern"

// Dispatch outcomes.
const (
	OutcomeAccepted       = "accepted"
	OutcomeHandedOff      = "handed_off"
	OutcomeRejected       = "rejected"
	OutcomeLateRejected   = "late_rejected"
	OutcomeNoEligibleHost = "no_eligible_host"
	OutcomeExhausted      = "exhausted"
)

var (
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "handshakes_total",
		Help:      "Accept handshakes by capability and outcome.",
	}, []string{"capability", "outcome"})

	HandshakeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "handshake_duration_seconds",
		Help:      "Time spent waiting on a job producer before a decision was made.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"capability"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job status changes by job type and new status.",
	}, []string{"type", "status"})

	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflows",
		Name:      "transitions_total",
		Help:      "Workflow instance state changes by definition and new state.",
	}, []string{"definition", "state"})

	RegisteredHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "directory",
		Name:      "hosts",
		Help:      "Hosts currently known to the service directory.",
	})
)

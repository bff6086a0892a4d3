// Package metrics exposes prometheus counters for the watch-link protocol
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transition outcomes
const (
	OutcomeAccepted   = "accepted"
	OutcomeRejected   = "rejected"
	OutcomeConflict   = "conflict"
	OutcomeBadRequest = "bad_request"
	OutcomeError      = "error"
)

var (
	// Phase calls partitioned by phase and outcome
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchlink_transitions_total",
			Help: "Watch session phase calls by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	fraudFlagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchlink_fraud_flags_total",
			Help: "Fraud flags raised by reason",
		},
		[]string{"reason"},
	)

	settlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchlink_settlements_total",
			Help: "Settlement runs by outcome",
		},
		[]string{"outcome"},
	)

	sessionsSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchlink_sessions_swept_total",
			Help: "Sessions archived or purged by the expiry sweep",
		},
		[]string{"action"},
	)

	linksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchlink_links_total",
			Help: "Link creation requests by result",
		},
		[]string{"result"},
	)
)

func ObserveTransition(phase, outcome string) {
	transitionsTotal.WithLabelValues(phase, outcome).Inc()
}

func ObserveFraudFlag(reason string) {
	fraudFlagsTotal.WithLabelValues(reason).Inc()
}

func ObserveSettlement(outcome string) {
	settlementsTotal.WithLabelValues(outcome).Inc()
}

func ObserveSwept(action string, n int64) {
	if n > 0 {
		sessionsSweptTotal.WithLabelValues(action).Add(float64(n))
	}
}

func ObserveLink(result string) {
	linksTotal.WithLabelValues(result).Inc()
}

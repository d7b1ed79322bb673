package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "transactions_total",
		Help:      "Escrow transaction status changes by type and status.",
	}, []string{"type", "status"})

	milestoneTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "milestone_transitions_total",
		Help:      "Milestone state transitions by target status.",
	}, []string{"status"})

	railCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "rail",
		Name:      "call_duration_seconds",
		Help:      "Payment rail call latency including retries.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"op", "outcome"})

	railRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "rail",
		Name:      "retries_total",
		Help:      "Payment rail calls retried after a transient failure.",
	}, []string{"op"})

	invariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "invariant_violations_total",
		Help:      "Accounts whose stored available amount disagreed with their transactions.",
	})

	frozenAccounts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "freezes_total",
		Help:      "Account freezes by source.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(transactionsTotal, milestoneTransitions, railCallDuration,
		railRetries, invariantViolations, frozenAccounts)
}

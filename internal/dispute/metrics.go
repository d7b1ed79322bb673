package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "transitions_total",
		Help:      "Dispute state changes by target status.",
	}, []string{"status"})

	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "dispute",
		Name:      "resolutions_total",
		Help:      "Resolved disputes by resolution.",
	}, []string{"resolution"})

	claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "insurance",
		Name:      "claim_transitions_total",
		Help:      "Insurance claim state changes by target status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(disputesTotal, resolutionsTotal, claimsTotal)
}

package audit

import "github.com/prometheus/client_golang/prometheus"

var (
	entriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Audit entries appended, by table.",
	}, []string{"table"})

	chainBroken = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "audit",
		Name:      "chain_broken",
		Help:      "1 when the last verification found a broken link.",
	})
)

func init() {
	prometheus.MustRegister(entriesTotal, chainBroken)
}

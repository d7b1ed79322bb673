package fraud

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "fraud",
		Name:      "evaluations_total",
		Help:      "Fraud evaluations by outcome (clear, alert, error).",
	}, []string{"outcome"})

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "fraud",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent scoring one activity.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "fraud",
		Name:      "alerts_total",
		Help:      "Fraud alerts raised by severity.",
	}, []string{"severity"})

	falsePositives = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "fraud",
		Name:      "false_positives_total",
		Help:      "Alerts marked as false positives by operators.",
	})

	queueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "fraud",
		Name:      "queue_dropped_total",
		Help:      "Events not scored because the fraud queue was full.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "fraud",
		Name:      "queue_depth",
		Help:      "Events waiting to be scored.",
	})
)

func init() {
	prometheus.MustRegister(evaluationsTotal, evaluationDuration, alertsTotal,
		falsePositives, queueDropped, queueDepth)
}

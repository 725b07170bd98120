package history

import "github.com/prometheus/client_golang/prometheus"

var (
	observationsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "history",
		Name:      "observations_recorded_total",
		Help:      "Trade observations appended to the history store.",
	})

	observationsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "history",
		Name:      "observations_pruned_total",
		Help:      "Trade observations dropped after the retention window.",
	})

	tradersTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "history",
		Name:      "traders_tracked",
		Help:      "Traders with at least one retained observation after the last prune.",
	})
)

func init() {
	prometheus.MustRegister(observationsRecorded, observationsPruned, tradersTracked)
}

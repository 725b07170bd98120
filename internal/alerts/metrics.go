package alerts

import "github.com/prometheus/client_golang/prometheus"

var (
	alertsPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "persisted_total",
		Help:      "Alerts persisted by the router, by finding kind.",
	}, []string{"kind"})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "persist_failures_total",
		Help:      "Findings dropped because the alert could not be persisted.",
	})

	publishDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "publish_dropped_total",
		Help:      "Finding batches dropped because the publish queue was full.",
	})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "publish_errors_total",
		Help:      "Publisher failures by publisher name.",
	}, []string{"publisher"})

	housekeepingResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "auto_resolved_total",
		Help:      "Mitigated alerts auto-resolved by housekeeping.",
	})

	housekeepingDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "deleted_total",
		Help:      "Resolved alerts deleted after the retention period.",
	})
)

func init() {
	prometheus.MustRegister(
		alertsPersisted,
		persistFailures,
		publishDropped,
		publishErrors,
		housekeepingResolved,
		housekeepingDeleted,
	)
}

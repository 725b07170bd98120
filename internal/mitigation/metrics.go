package mitigation

import "github.com/prometheus/client_golang/prometheus"

var (
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "mitigation",
		Name:      "actions_total",
		Help:      "Escalation actions by action and result.",
	}, []string{"action", "result"})

	countFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "mitigation",
		Name:      "count_failures_total",
		Help:      "Evaluations aborted because the alert count could not be read.",
	})

	pauseUserRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "mitigation",
		Name:      "pause_user_requests_total",
		Help:      "Per-user pause intents raised by escalation.",
	})
)

func init() {
	prometheus.MustRegister(actionsTotal, countFailures, pauseUserRequests)
}

package circuitbreaker

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "circuitbreaker",
		Name:      "transitions_total",
		Help:      "Committed circuit breaker transitions by from-state, to-state and initiator.",
	}, []string{"from_state", "to_state", "initiator"})

	ledgerWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "circuitbreaker",
		Name:      "ledger_write_failures_total",
		Help:      "Transitions aborted because the ledger write failed.",
	})

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "circuitbreaker",
		Name:      "audit_failures_total",
		Help:      "Committed transitions whose audit record could not be written.",
	})

	subscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "circuitbreaker",
		Name:      "subscriber_drops_total",
		Help:      "Breaker events dropped because a subscriber queue was full.",
	})

	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current breaker state (0 normal, 1 paused, 2 emergency).",
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, ledgerWriteFailures, auditFailures, subscriberDrops, stateGauge)
}

package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Successful webhook deliveries by event type.",
	}, []string{"event_type"})

	deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "webhook",
		Name:      "delivery_errors_total",
		Help:      "Webhook deliveries that failed after retries, by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(deliveries, deliveryErrors)
}

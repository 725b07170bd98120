package mq

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "mq",
		Name:      "messages_published_total",
		Help:      "Messages written to Kafka, by type.",
	}, []string{"type"})

	publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "mq",
		Name:      "publish_errors_total",
		Help:      "Failed Kafka writes, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(published, publishErrors)
}

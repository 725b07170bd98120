package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ledger events processed, by event type.",
	}, []string{"event"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Events waiting across all lanes.",
	})

	submitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "ingest",
		Name:      "submit_timeouts_total",
		Help:      "Submits abandoned because the lane stayed full.",
	})

	handlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "ingest",
		Name:      "handler_panics_total",
		Help:      "Recovered panics in event handling.",
	})

	handleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "ingest",
		Name:      "handle_duration_seconds",
		Help:      "Time to detect, route and mitigate one event.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(eventsProcessed, queueDepth, submitTimeouts, handlerPanics, handleDuration)
}

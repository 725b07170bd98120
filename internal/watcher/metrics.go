package watcher

import "github.com/prometheus/client_golang/prometheus"

var (
	logsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "watcher",
		Name:      "logs_delivered_total",
		Help:      "Contract logs decoded and handed to ingestion, by event.",
	}, []string{"event"})

	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "watcher",
		Name:      "decode_errors_total",
		Help:      "Contract logs skipped because they could not be decoded.",
	})

	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "watcher",
		Name:      "poll_errors_total",
		Help:      "Failed poll cycles.",
	})

	lastBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "watcher",
		Name:      "last_block",
		Help:      "Highest block fully delivered to ingestion.",
	})

	headLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "watcher",
		Name:      "head_lag_blocks",
		Help:      "Blocks between the chain head and the watcher cursor.",
	})
)

func init() {
	prometheus.MustRegister(logsDelivered, decodeErrors, pollErrors, lastBlockGauge, headLag)
}

package detect

import "github.com/prometheus/client_golang/prometheus"

var (
	findingsProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "detect",
		Name:      "findings_total",
		Help:      "Findings produced by the detection pipeline, by kind.",
	}, []string{"kind"})

	detectorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "detect",
		Name:      "detector_failures_total",
		Help:      "Detector invocations that returned an error or panicked.",
	}, []string{"detector"})

	counterResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "detect",
		Name:      "counter_resets_total",
		Help:      "Rapid-trading counter resets.",
	})
)

func init() {
	prometheus.MustRegister(findingsProduced, detectorFailures, counterResets)
}

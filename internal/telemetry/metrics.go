package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters/gauges the retry engine (C2) and the liveness
// prober (C3) update, grounded on pkg/metrics/metrics.go's package-level
// prometheus.New*Vec style from the retrieval pack.
var (
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmzkstore_retry_attempts_total",
			Help: "Coordination operation attempts, labeled by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rmzkstore_reconnects_total",
			Help: "Times the retry engine reconnected after a session loss",
		},
	)

	ProbeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rmzkstore_probe_failures_total",
			Help: "Liveness-prober failures (fenced multi-op or fence-lock check)",
		},
	)

	FencingTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rmzkstore_fencing_transitions_total",
			Help: "Times this controller was fenced (lost root ACL authority)",
		},
	)

	FencedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rmzkstore_fenced",
			Help: "1 if this controller currently believes it is fenced, 0 otherwise",
		},
	)
)

// Registry returns a fresh prometheus.Registry with this package's
// collectors registered, for the probe CLI's /metrics endpoint.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(RetryAttemptsTotal, ReconnectsTotal, ProbeFailuresTotal, FencingTransitionsTotal, FencedGauge)
	return reg
}

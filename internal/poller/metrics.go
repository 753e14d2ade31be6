package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the poller's own operational instruments, distinct from the
// per-device telemetry exported off the snapshot.
type Metrics struct {
	CycleDuration       prometheus.Histogram
	PollErrors          *prometheus.CounterVec
	DevicesKnown        prometheus.Gauge
	DevicesReachable    prometheus.Gauge
	DiscoveryCandidates prometheus.Gauge
	SourceErrors        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "plugmon_poll_cycle_duration_seconds",
			Help:    "Wall-clock duration of one full poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		PollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plugmon_poll_errors_total",
			Help: "Per-device poll failures by classification",
		}, []string{"kind"}),
		DevicesKnown: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugmon_devices_known",
			Help: "Devices currently in the known-device set",
		}),
		DevicesReachable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugmon_devices_reachable",
			Help: "Devices currently marked reachable",
		}),
		DiscoveryCandidates: factory.NewGauge(prometheus.GaugeOpts{
			Name: "plugmon_discovery_candidates",
			Help: "Candidates seen in the most recent discovery pass",
		}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plugmon_source_errors_total",
			Help: "Failed refreshes of a device source",
		}, []string{"source"}),
	}
}

package verifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Segment outcomes, the "outcome" label of segments_total.
const (
	outcomeAccepted  = "accepted"
	outcomeGap       = "packet_loss"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
	outcomeInactive  = "inactive"
)

type metrics struct {
	registry *prometheus.Registry

	sessionsInitialized prometheus.Counter
	segments            *prometheus.CounterVec
	anomalies           *prometheus.CounterVec
	freezes             prometheus.Counter
	sessions            *prometheus.GaugeVec
	verifyLatency       prometheus.Histogram
}

// newMetrics registers the verifier collectors on a private registry so
// several verifiers can coexist in one process (tests).
func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &metrics{
		registry: reg,
		sessionsInitialized: f.NewCounter(prometheus.CounterOpts{
			Name: "ppah_verifier_sessions_initialized_total",
			Help: "Total number of sessions initialized",
		}),
		segments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ppah_verifier_segments_total",
			Help: "Total number of segment submissions by outcome",
		}, []string{"outcome"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ppah_verifier_anomalies_total",
			Help: "Total number of protocol anomalies by kind",
		}, []string{"kind"}),
		freezes: f.NewCounter(prometheus.CounterOpts{
			Name: "ppah_verifier_freezes_total",
			Help: "Total number of sessions frozen",
		}),
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ppah_verifier_sessions",
			Help: "Number of sessions by status, as of the last sweep",
		}, []string{"status"}),
		verifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppah_verifier_verify_duration_seconds",
			Help:    "Latency of segment verification",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

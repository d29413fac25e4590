package tuf

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's prometheus instrumentation. A nil *Metrics is
// valid everywhere it is used (every call site below guards on it), so
// wiring metrics in is opt-in: callers that do not care about Prometheus
// never construct one.
type Metrics struct {
	refreshes           prometheus.Counter
	refreshErrors        *prometheus.CounterVec
	rootRotations        prometheus.Counter
	verificationFailures *prometheus.CounterVec
	indexDownloads       prometheus.Counter
}

// NewMetrics builds and registers the engine's counters against reg. Call
// once per process; registering the same *Metrics twice panics, as with
// any prometheus collector.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuf_client",
			Name:      "refreshes_total",
			Help:      "Completed check-for-updates cycles, successful or not.",
		}),
		refreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuf_client",
			Name:      "refresh_errors_total",
			Help:      "Refresh cycles that ended in a fatal error, by kind.",
		}, []string{"kind"}),
		rootRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuf_client",
			Name:      "root_rotations_total",
			Help:      "Times a new root was installed, during normal update or recovery.",
		}),
		verificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuf_client",
			Name:      "verification_failures_total",
			Help:      "Recoverable verification failures, by role and kind.",
		}, []string{"role", "kind"}),
		indexDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tuf_client",
			Name:      "index_downloads_total",
			Help:      "Package index downloads that were actually issued (post-dedup).",
		}),
	}
	reg.MustRegister(m.refreshes, m.refreshErrors, m.rootRotations, m.verificationFailures, m.indexDownloads)
	return m
}

func (m *Metrics) observeRefresh() {
	if m == nil {
		return
	}
	m.refreshes.Inc()
}

func (m *Metrics) observeRefreshError(kind Kind) {
	if m == nil {
		return
	}
	m.refreshErrors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeRootRotation() {
	if m == nil {
		return
	}
	m.rootRotations.Inc()
}

func (m *Metrics) observeVerificationError(r role, kind Kind) {
	if m == nil {
		return
	}
	m.verificationFailures.WithLabelValues(string(r), kind.String()).Inc()
}

func (m *Metrics) observeIndexDownload() {
	if m == nil {
		return
	}
	m.indexDownloads.Inc()
}

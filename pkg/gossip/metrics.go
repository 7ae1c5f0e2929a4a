package gossip

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom felund Prometheus metrics.
// Uses an isolated prometheus.Registry so felund metrics don't collide
// with the global default registry. Each test gets its own Metrics instance.
// A nil *Metrics disables collection; every call site checks first.
type Metrics struct {
	Registry *prometheus.Registry

	// Sync exchanges, both roles
	SyncsTotal          *prometheus.CounterVec
	SyncDurationSeconds *prometheus.HistogramVec

	// Inbound handshake outcomes
	HandshakesTotal *prometheus.CounterVec

	// Message merge outcomes from MSGS_SEND and anchor pulls
	MessagesMergedTotal *prometheus.CounterVec

	// Anchor store-and-forward traffic
	AnchorEnvelopesTotal *prometheus.CounterVec

	// Dial loop rounds completed
	DialRoundsTotal prometheus.Counter

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on an isolated registry. The version and goVersion are recorded as labels
// on the felund_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		SyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "felund_syncs_total",
				Help: "Total sync exchanges by role and result.",
			},
			[]string{"role", "result"},
		),
		SyncDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "felund_sync_duration_seconds",
				Help:    "Duration of completed sync exchanges in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
			[]string{"role"},
		),

		HandshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "felund_handshakes_total",
				Help: "Total inbound handshake attempts by outcome.",
			},
			[]string{"result"},
		),

		MessagesMergedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "felund_messages_merged_total",
				Help: "Messages offered to the store by merge outcome.",
			},
			[]string{"outcome"},
		),

		AnchorEnvelopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "felund_anchor_envelopes_total",
				Help: "Anchor envelopes moved by operation.",
			},
			[]string{"op"},
		),

		DialRoundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "felund_dial_rounds_total",
				Help: "Dial loop rounds completed.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "felund_info",
				Help: "Build information for the running felund instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.SyncsTotal,
		m.SyncDurationSeconds,
		m.HandshakesTotal,
		m.MessagesMergedTotal,
		m.AnchorEnvelopesTotal,
		m.DialRoundsTotal,
		m.BuildInfo,
	)

	// Set build info gauge (always 1, labels carry the data)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// The observers below are nil-safe so a Node built without metrics pays
// one branch per event.

func (m *Metrics) observeMerge(stored, duplicates, rejected int) {
	if m == nil {
		return
	}
	m.MessagesMergedTotal.WithLabelValues("stored").Add(float64(stored))
	m.MessagesMergedTotal.WithLabelValues("duplicate").Add(float64(duplicates))
	m.MessagesMergedTotal.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) countSync(role, result string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(role, result).Inc()
	if result == "ok" {
		m.SyncDurationSeconds.WithLabelValues(role).Observe(seconds)
	}
}

func (m *Metrics) countHandshake(result string) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) countAnchor(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.AnchorEnvelopesTotal.WithLabelValues(op).Add(float64(n))
}

func (m *Metrics) countDialRound() {
	if m == nil {
		return
	}
	m.DialRoundsTotal.Inc()
}

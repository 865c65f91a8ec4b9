package p2pnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds deaddrop's custom Prometheus metrics. Uses an isolated
// prometheus.Registry so these don't collide with the global default
// registry. Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Auth metrics (connection gater decisions)
	AuthDecisionsTotal *prometheus.CounterVec

	// Hole punch metrics
	HolePunchTotal           *prometheus.CounterVec
	HolePunchDurationSeconds *prometheus.HistogramVec

	// Connected peers
	ConnectedPeers *prometheus.GaugeVec

	// mDNS discovery metrics
	MDNSDiscoveredTotal *prometheus.CounterVec

	// Ghost-mode messaging metrics
	GhostMessagesSentTotal      *prometheus.CounterVec
	GhostMessagesReceivedTotal  *prometheus.CounterVec
	GhostMessagesDeliveredTotal prometheus.Counter
	GhostReceiptTimeoutsTotal   prometheus.Counter

	// Drop metrics
	DropsCreatedTotal   prometheus.Counter
	DropsRetrievedTotal *prometheus.CounterVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on an isolated registry. The version and goVersion are recorded as labels
// on the deaddrop_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		AuthDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deaddrop_auth_decisions_total",
				Help: "Total number of connection gater decisions.",
			},
			[]string{"decision"},
		),

		HolePunchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deaddrop_holepunch_total",
				Help: "Total number of hole punch attempts.",
			},
			[]string{"result"},
		),
		HolePunchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deaddrop_holepunch_duration_seconds",
				Help:    "Duration of hole punch attempts in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
			},
			[]string{"result"},
		),

		ConnectedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deaddrop_connected_peers",
				Help: "Number of connected peers by transport and IP version.",
			},
			[]string{"transport", "ip_version"},
		),

		MDNSDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deaddrop_mdns_discovered_total",
				Help: "Total mDNS discovery events by result.",
			},
			[]string{"result"},
		),

		GhostMessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deaddrop_ghost_messages_sent_total",
				Help: "Total ghost-mode messages published, by outcome.",
			},
			[]string{"result"},
		),
		GhostMessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deaddrop_ghost_messages_received_total",
				Help: "Total ghost-mode messages received from the inbox topic, by outcome.",
			},
			[]string{"result"},
		),
		GhostMessagesDeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deaddrop_ghost_messages_delivered_total",
				Help: "Total ghost-mode messages confirmed delivered via receipt.",
			},
		),
		GhostReceiptTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deaddrop_ghost_receipt_timeouts_total",
				Help: "Total ghost-mode messages whose delivery receipt never arrived.",
			},
		),

		DropsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deaddrop_drops_created_total",
				Help: "Total drops created and sealed into shares.",
			},
		),
		DropsRetrievedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deaddrop_drops_retrieved_total",
				Help: "Total drop retrieval attempts, by outcome.",
			},
			[]string{"result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deaddrop_info",
				Help: "Build information for the running deaddrop instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.AuthDecisionsTotal,
		m.HolePunchTotal,
		m.HolePunchDurationSeconds,
		m.ConnectedPeers,
		m.MDNSDiscoveredTotal,
		m.GhostMessagesSentTotal,
		m.GhostMessagesReceivedTotal,
		m.GhostMessagesDeliveredTotal,
		m.GhostReceiptTimeoutsTotal,
		m.DropsCreatedTotal,
		m.DropsRetrievedTotal,
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

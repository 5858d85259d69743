// Package metrics registers the prometheus collectors this node exposes,
// one counter or gauge per subsystem event worth observing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peer"

// Metrics bundles every collector the transport layer updates.
type Metrics struct {
	PacketsSent      prometheus.Counter
	PacketsReceived  prometheus.Counter
	PacketsForwarded prometheus.Counter
	DuplicatesDropped prometheus.Counter
	FragmentsResent  prometheus.Counter
	CoversEmitted    prometheus.Counter
	DecodeErrors     prometheus.Counter

	ActivePeers prometheus.Gauge
	OutboxDepth prometheus.Gauge
	LastRTTMs   prometheus.Gauge
}

// New constructs and registers every collector against the default
// prometheus registry. Calling it twice in the same process will panic
// on duplicate registration, per prometheus.MustRegister's contract.
func New() *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total", Help: "Packets handed to a PeerLink for transmission.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total", Help: "Packets read off a PeerLink.",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_forwarded_total", Help: "Packets relayed on to another hop.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_dropped_total", Help: "Inbound packets rejected by the dedupe filter.",
		}),
		FragmentsResent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fragments_resent_total", Help: "Fragments re-emitted after their ETA lapsed unacked.",
		}),
		CoversEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "covers_emitted_total", Help: "Cover packets emitted to pad traffic shape.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total", Help: "Packets dropped for failing header MAC or framing checks.",
		}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_peers", Help: "Peers with a currently active link.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_depth", Help: "Items currently waiting in the mixer outbox.",
		}),
		LastRTTMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_rtt_milliseconds", Help: "Most recently observed SURB round-trip time.",
		}),
	}
	prometheus.MustRegister(
		m.PacketsSent, m.PacketsReceived, m.PacketsForwarded,
		m.DuplicatesDropped, m.FragmentsResent, m.CoversEmitted, m.DecodeErrors,
		m.ActivePeers, m.OutboxDepth, m.LastRTTMs,
	)
	return m
}

// ObserveRTT records rtt on the last-RTT gauge.
func (m *Metrics) ObserveRTT(rtt time.Duration) {
	m.LastRTTMs.Set(float64(rtt.Milliseconds()))
}

// GaugeSource adapts live component state into the periodic gauge
// refresh the reliability clock drives, without this package needing to
// import the session or mixer packages directly.
type GaugeSource struct {
	M           *Metrics
	ActivePeers func() int
	OutboxDepth func() int
}

// FlushGauges samples the wired accessors and updates the gauges.
func (g *GaugeSource) FlushGauges() {
	if g.ActivePeers != nil {
		g.M.ActivePeers.Set(float64(g.ActivePeers()))
	}
	if g.OutboxDepth != nil {
		g.M.OutboxDepth.Set(float64(g.OutboxDepth()))
	}
}

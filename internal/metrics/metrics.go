// Package metrics holds the prometheus collectors shared by the signaling,
// mesh and call packages. Collectors are registered on a caller-owned
// registry so several hubs (and tests) never collide on the default one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hubrtc"

// Metrics bundles every collector exported by the module.
type Metrics struct {
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec
	Reconnects       prometheus.Counter
	ChannelState     *prometheus.GaugeVec

	Peers            prometheus.Gauge
	PeerTransitions  *prometheus.CounterVec
	PeersRefused     prometheus.Counter
	TrackReplacement *prometheus.CounterVec

	Invitations *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "messages_sent_total",
			Help: "Signaling messages written to the relay.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "messages_dropped_total",
			Help: "Signaling messages dropped because the channel was not open.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "messages_received_total",
			Help: "Signaling messages received from the relay, by type.",
		}, []string{"type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "messages_rejected_total",
			Help: "Inbound frames that could not be decoded, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "reconnects_total",
			Help: "Reconnect attempts scheduled after an unexpected close.",
		}),
		ChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signaling", Name: "state",
			Help: "1 for the current channel state, 0 otherwise.",
		}, []string{"state"}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "peers",
			Help: "Live peer transports in the current room.",
		}),
		PeerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "peer_transitions_total",
			Help: "Peer state machine transitions.",
		}, []string{"from", "to"}),
		PeersRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "peers_refused_total",
			Help: "Peers refused because the room reached the mesh ceiling.",
		}),
		TrackReplacement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "media", Name: "track_replacements_total",
			Help: "Outgoing video track swaps, by source.",
		}, []string{"source"}),
		Invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "invitations_total",
			Help: "Incoming call invitations, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesSent, m.MessagesDropped, m.MessagesReceived, m.MessagesRejected,
			m.Reconnects, m.ChannelState,
			m.Peers, m.PeerTransitions, m.PeersRefused, m.TrackReplacement,
			m.Invitations,
		)
	}
	return m
}

// nop backs OrNop so every package can accept a nil *Metrics.
var nop = New(nil)

// OrNop returns m, or an unregistered set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return nop
	}
	return m
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshcall"

var (
	CallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_started_total",
		Help:      "Calls started, by direction.",
	}, []string{"direction"})

	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_ended_total",
		Help:      "Calls ended, by terminal state.",
	}, []string{"state"})

	LinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_link_failures_total",
		Help:      "Peer links that failed, by reason.",
	}, []string{"reason"})

	ActiveLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peer_links_active",
		Help:      "Peer links currently open.",
	})

	SignalingReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signaling_reconnect_attempts_total",
		Help:      "Attempts to re-establish the signaling connection.",
	})

	EnvelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signaling_envelopes_sent_total",
		Help:      "Envelopes written to the signaling connection, by type.",
	}, []string{"type"})

	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signaling_envelopes_dropped_total",
		Help:      "Envelopes dropped without being applied, by reason.",
	}, []string{"reason"})
)

// Package metrics exposes Prometheus collectors for the chat engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions      prometheus.Gauge
	connects      *prometheus.CounterVec
	framesIn      *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	errors        *prometheus.CounterVec
	messages      prometheus.Counter
	moderation    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd", Name: "sessions_active",
			Help: "Live chat sessions on this node.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "connects_total",
			Help: "Connection attempts by outcome.",
		}, []string{"outcome"}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "frames_received_total",
			Help: "Client frames received by type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "frames_dropped_total",
			Help: "Frames not delivered because a subscriber was closed or full.",
		}, []string{"group_kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "frame_errors_total",
			Help: "Error frames sent by code.",
		}, []string{"code"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "messages_sent_total",
			Help: "Messages accepted by the router.",
		}),
		moderation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "moderation_actions_total",
			Help: "Moderation actions applied by kind.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.sessions, m.connects, m.framesIn, m.framesDropped, m.errors, m.messages, m.moderation)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Connect(outcome string) {
	if m != nil {
		m.connects.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) FrameReceived(typ string) {
	if m != nil {
		m.framesIn.WithLabelValues(typ).Inc()
	}
}

// FrameDropped satisfies the bus drop observer. Group names are reduced to
// their kind to bound label cardinality.
func (m *Metrics) FrameDropped(group string) {
	if m == nil {
		return
	}
	kind := group
	for i := 0; i < len(group); i++ {
		if group[i] == ':' {
			kind = group[:i]
			break
		}
	}
	m.framesDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) ErrorSent(code string) {
	if m != nil {
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messages.Inc()
	}
}

func (m *Metrics) ModerationApplied(action string) {
	if m != nil {
		m.moderation.WithLabelValues(action).Inc()
	}
}

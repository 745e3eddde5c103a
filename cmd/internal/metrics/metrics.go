// Package metrics holds the Prometheus collectors of the chat synchronization core.
// A nil *Metrics is valid and records nothing, so tests and library callers can skip metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runhub"

// Metrics groups all collectors.
type Metrics struct {
	channelsOpen    prometheus.Gauge
	listeners       prometheus.Gauge
	channelFailures prometheus.Counter
	eventsDelivered *prometheus.CounterVec
	eventsInvalid   *prometheus.CounterVec
	eventsDropped   prometheus.Counter

	sends         *prometheus.CounterVec
	echoesDeduped prometheus.Counter
	readMarks     *prometheus.CounterVec
	listReloads   *prometheus.CounterVec

	wsSessions prometheus.Gauge
}

// New constructs and registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "channels_open",
			Help: "Underlying push channels currently open.",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "listeners",
			Help: "Registered subscription listeners across all channels.",
		}),
		channelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "channel_failures_total",
			Help: "Push channels that failed to open or dropped.",
		}),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_delivered_total",
			Help: "Decoded events delivered to listeners, by kind.",
		}, []string{"kind"}),
		eventsInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_invalid_total",
			Help: "Pushed payloads rejected by validation, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "events_dropped_total",
			Help: "Events dropped under subscriber backpressure.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "sends_total",
			Help: "Send attempts by outcome.",
		}, []string{"outcome"}),
		echoesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "echoes_deduped_total",
			Help: "Inbound messages discarded as duplicates or self-echoes.",
		}),
		readMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "read_marks_total",
			Help: "Read-mark calls by outcome.",
		}, []string{"outcome"}),
		listReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "reloads_total",
			Help: "Full conversation list reloads by reason.",
		}, []string{"reason"}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "push", Name: "ws_sessions",
			Help: "Connected push gateway websocket sessions.",
		}),
	}

	reg.MustRegister(
		m.channelsOpen, m.listeners, m.channelFailures,
		m.eventsDelivered, m.eventsInvalid, m.eventsDropped,
		m.sends, m.echoesDeduped, m.readMarks, m.listReloads,
		m.wsSessions,
	)
	return m
}

func (m *Metrics) ChannelOpened() {
	if m != nil {
		m.channelsOpen.Inc()
	}
}

func (m *Metrics) ChannelClosed() {
	if m != nil {
		m.channelsOpen.Dec()
	}
}

func (m *Metrics) ChannelFailed() {
	if m != nil {
		m.channelFailures.Inc()
	}
}

func (m *Metrics) ListenerAdded() {
	if m != nil {
		m.listeners.Inc()
	}
}

func (m *Metrics) ListenerRemoved() {
	if m != nil {
		m.listeners.Dec()
	}
}

func (m *Metrics) EventDelivered(kind string) {
	if m != nil {
		m.eventsDelivered.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventInvalid(kind string) {
	if m != nil {
		m.eventsInvalid.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

// Send records a send outcome: "ok", "failed" or "rejected".
func (m *Metrics) Send(outcome string) {
	if m != nil {
		m.sends.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) EchoDeduped() {
	if m != nil {
		m.echoesDeduped.Inc()
	}
}

func (m *Metrics) ReadMark(outcome string) {
	if m != nil {
		m.readMarks.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ListReload(reason string) {
	if m != nil {
		m.listReloads.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) WSSessionOpened() {
	if m != nil {
		m.wsSessions.Inc()
	}
}

func (m *Metrics) WSSessionClosed() {
	if m != nil {
		m.wsSessions.Dec()
	}
}

// Package metrics exposes Prometheus instrumentation for transports.
//
// A nil *Metrics is valid and records nothing, so transports can take an
// optional metrics sink without nil checks at every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "walkie"

// Metrics holds the transport-level collectors and the registry they are
// registered with.
type Metrics struct {
	registry *prometheus.Registry

	Connected         *prometheus.GaugeVec
	ConnectAttempts   *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	ActionOutcomes    *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	FramesDecoded     *prometheus.CounterVec
}

// New creates a Metrics instance on a private registry, including Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport connection status (0=disconnected, 1=connected)",
			},
			[]string{"transport"},
		),

		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connect_attempts_total",
				Help:      "Connection attempts by outcome",
			},
			[]string{"transport", "result"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Messages received on subscribed topics",
			},
			[]string{"transport", "topic"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Messages published",
			},
			[]string{"transport", "topic"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "decode_errors_total",
				Help:      "Inbound payloads dropped because they failed to decode or validate",
			},
			[]string{"transport", "topic"},
		),

		ActionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "completed_total",
				Help:      "Action invocations by terminal status",
			},
			[]string{"transport", "action", "status"},
		),

		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "duration_seconds",
				Help:      "Wall time from goal send to terminal status",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"transport", "action"},
		),

		FramesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "video",
				Name:      "frames_decoded_total",
				Help:      "Camera frames decoded into the latest-frame slot",
			},
			[]string{"transport", "channel"},
		),
	}

	m.registry.MustRegister(
		m.Connected,
		m.ConnectAttempts,
		m.MessagesReceived,
		m.MessagesPublished,
		m.DecodeErrors,
		m.ActionOutcomes,
		m.ActionDuration,
		m.FramesDecoded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ConnectAttempt records one connection attempt and updates the
// connected gauge.
func (m *Metrics) ConnectAttempt(transport string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ConnectAttempts.WithLabelValues(transport, result).Inc()
	m.SetConnected(transport, err == nil)
}

// SetConnected sets the connected gauge for transport.
func (m *Metrics) SetConnected(transport string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.Connected.WithLabelValues(transport).Set(v)
}

// Received counts one inbound message.
func (m *Metrics) Received(transport, topic string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(transport, topic).Inc()
}

// Published counts one outbound message.
func (m *Metrics) Published(transport, topic string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(transport, topic).Inc()
}

// DecodeError counts one dropped inbound payload.
func (m *Metrics) DecodeError(transport, topic string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(transport, topic).Inc()
}

// ActionDone records the terminal status and duration of one action.
func (m *Metrics) ActionDone(transport, action, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActionOutcomes.WithLabelValues(transport, action, status).Inc()
	m.ActionDuration.WithLabelValues(transport, action).Observe(elapsed.Seconds())
}

// FrameDecoded counts one decoded camera frame.
func (m *Metrics) FrameDecoded(transport, channel string) {
	if m == nil {
		return
	}
	m.FramesDecoded.WithLabelValues(transport, channel).Inc()
}

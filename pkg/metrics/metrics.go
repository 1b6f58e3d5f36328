// Package metrics exposes the sync server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pdm_sync"

// Metrics owns a private registry so several servers can coexist in tests.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	websocketSessions  prometheus.Gauge
	websocketMessages  *prometheus.CounterVec
	websocketRejected  *prometheus.CounterVec
	sseSubscribers     prometheus.Gauge
	notificationEvents *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		websocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Number of open websocket sessions.",
		}),
		websocketMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_messages_total",
			Help:      "Websocket messages by direction.",
		}, []string{"direction"}),
		websocketRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_rejected_total",
			Help:      "Websocket upgrades refused, by reason.",
		}, []string{"reason"}),
		sseSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_subscribers",
			Help:      "Number of connected server-sent-events clients.",
		}),
		notificationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_events_total",
			Help:      "Events published on the notification stream, by type.",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.websocketSessions,
		m.websocketMessages,
		m.websocketRejected,
		m.sseSubscribers,
		m.notificationEvents,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) WebsocketOpened() {
	if m != nil {
		m.websocketSessions.Inc()
	}
}

func (m *Metrics) WebsocketClosed() {
	if m != nil {
		m.websocketSessions.Dec()
	}
}

func (m *Metrics) WebsocketReceived() {
	if m != nil {
		m.websocketMessages.WithLabelValues("in").Inc()
	}
}

func (m *Metrics) WebsocketSent() {
	if m != nil {
		m.websocketMessages.WithLabelValues("out").Inc()
	}
}

func (m *Metrics) WebsocketRejected(reason string) {
	if m != nil {
		m.websocketRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SSESubscribed() {
	if m != nil {
		m.sseSubscribers.Inc()
	}
}

func (m *Metrics) SSEUnsubscribed() {
	if m != nil {
		m.sseSubscribers.Dec()
	}
}

func (m *Metrics) NotificationPublished(eventType string) {
	if m != nil {
		m.notificationEvents.WithLabelValues(eventType).Inc()
	}
}

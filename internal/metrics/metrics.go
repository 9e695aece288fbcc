// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one daemon. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FeedEvents        *prometheus.CounterVec
	StoreRetries      prometheus.Counter
	StoreAbandoned    prometheus.Counter
	PresenceStatuses  *prometheus.CounterVec
	RemoteWrites      *prometheus.CounterVec
	OpenConversations prometheus.Gauge
	Degraded          prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_feed_events_total",
			Help: "Remote change events processed, by kind",
		}, []string{"kind"}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_store_write_retries_total",
			Help: "Local store writes retried after a transient failure",
		}),
		StoreAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_store_writes_abandoned_total",
			Help: "Local store writes abandoned after exhausting retries",
		}),
		PresenceStatuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_presence_status_total",
			Help: "Presence statuses published, by kind",
		}, []string{"status"}),
		RemoteWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_remote_writes_total",
			Help: "Fire-and-forget remote writes, by operation and outcome",
		}, []string{"op", "outcome"}),
		OpenConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_open_conversations",
			Help: "Conversations currently open",
		}),
		Degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_degraded_total",
			Help: "Conversations that entered degraded mode",
		}),
	}
	m.registry.MustRegister(
		m.FeedEvents, m.StoreRetries, m.StoreAbandoned, m.PresenceStatuses,
		m.RemoteWrites, m.OpenConversations, m.Degraded,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FeedEvent(kind string) {
	if m != nil {
		m.FeedEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StoreRetry() {
	if m != nil {
		m.StoreRetries.Inc()
	}
}

func (m *Metrics) StoreAbandon() {
	if m != nil {
		m.StoreAbandoned.Inc()
	}
}

func (m *Metrics) PresenceStatus(status string) {
	if m != nil {
		m.PresenceStatuses.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) RemoteWrite(op, outcome string) {
	if m != nil {
		m.RemoteWrites.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) ConversationOpened() {
	if m != nil {
		m.OpenConversations.Inc()
	}
}

func (m *Metrics) ConversationClosed() {
	if m != nil {
		m.OpenConversations.Dec()
	}
}

func (m *Metrics) EnterDegraded() {
	if m != nil {
		m.Degraded.Inc()
	}
}

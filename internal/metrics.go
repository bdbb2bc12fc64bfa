package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several servers (and tests) can run in
// one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeConns       prometheus.Gauge
	onlineUsers       prometheus.Gauge
	activeRooms       prometheus.Gauge
	messages          prometheus.Counter
	persistFailures   prometheus.Counter
	broadcastFailures prometheus.Counter
	rateLimited       prometheus.Counter
	transfers         *prometheus.CounterVec
	uploadedBytes     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_active_connections",
			Help: "Open chat connections",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_online_users",
			Help: "Distinct usernames with at least one open session",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_active_rooms",
			Help: "Rooms with at least one registered session",
		}),
		messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_messages_total",
			Help: "Chat messages persisted and broadcast",
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_message_persist_failures_total",
			Help: "Chat messages rejected because the history store failed",
		}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_broadcast_failures_total",
			Help: "Recipients dropped because a broadcast write failed",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_rate_limited_total",
			Help: "Chat messages refused by the per-user rate limit",
		}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_file_transfers_total",
			Help: "File transfers by operation and terminal status",
		}, []string{"op", "status"}),
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_uploaded_bytes_total",
			Help: "Bytes stored by successful uploads",
		}),
	}
}

func (m *Metrics) IncConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
}

func (m *Metrics) DecConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

func (m *Metrics) IncMessage() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) IncBroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) ObserveTransfer(op string, status TransferStatus) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(op, string(status)).Inc()
}

func (m *Metrics) AddUploadedBytes(n int64) {
	if m == nil {
		return
	}
	m.uploadedBytes.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Package metrics exposes the server's prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "soundrooms"

// Message outcomes.
const (
	OutcomeHandled  = "handled"
	OutcomeInvalid  = "invalid"
	OutcomeLimited  = "rate_limited"
	OutcomeNotReady = "not_ready"
	OutcomeDropped  = "dropped"
)

type Metrics struct {
	registry *prometheus.Registry

	clients      prometheus.Gauge
	roomsByState *prometheus.GaugeVec
	peers        prometheus.Gauge
	messages     *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	backpressure prometheus.Counter
	taskRestarts *prometheus.CounterVec
}

// New registers every collector on a fresh registry labelled with serverID.
func New(serverID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"server": serverID}

	return &Metrics{
		registry: reg,
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected_clients",
			Help:        "Client connections currently open on this server",
			ConstLabels: labels,
		}),
		roomsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "rooms",
			Help:        "Rooms per lifecycle state",
			ConstLabels: labels,
		}, []string{"state"}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "peers",
			Help:        "Peer servers seen on the sync channel",
			ConstLabels: labels,
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_total",
			Help:        "Inbound client messages by type and outcome",
			ConstLabels: labels,
		}, []string{"type", "outcome"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rate_limited_total",
			Help:        "Messages dropped by a rate limiter",
			ConstLabels: labels,
		}, []string{"limiter"}),
		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "backpressure_total",
			Help:        "Frames rejected by a full client send buffer",
			ConstLabels: labels,
		}),
		taskRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "task_restarts_total",
			Help:        "Background task restarts after a runtime error",
			ConstLabels: labels,
		}, []string{"task"}),
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.clients.Inc()
}

func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.clients.Dec()
}

// RoomMoved shifts one room from one state gauge to another.
func (m *Metrics) RoomMoved(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.roomsByState.WithLabelValues(from).Dec()
	}
	m.roomsByState.WithLabelValues(to).Inc()
}

func (m *Metrics) SetRooms(state string, n int) {
	if m == nil {
		return
	}
	m.roomsByState.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) Message(msgType, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) RateLimited(limiter string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(limiter).Inc()
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *Metrics) TaskRestarted(task string) {
	if m == nil {
		return
	}
	m.taskRestarts.WithLabelValues(task).Inc()
}

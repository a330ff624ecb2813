// Package metrics exposes the relay's Prometheus instruments.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message paths.
const (
	PathDelivered = "delivered"
	PathQueued    = "queued"
	PathDropped   = "dropped"
	PathDrained   = "drained"
)

// Push failure kinds.
const (
	KindMessage  = "message"
	KindPresence = "presence"
)

type Metrics struct {
	// Messages counts chat messages by path.
	// Labels: path (delivered|queued|dropped|drained)
	Messages *prometheus.CounterVec

	// PresenceBroadcasts counts presence fan-outs.
	// Labels: state (online|offline)
	PresenceBroadcasts *prometheus.CounterVec

	// ActiveSessions is the number of users with a live connection.
	ActiveSessions prometheus.Gauge

	// StoreErrors counts failed message store calls.
	// Labels: op (enqueue|drain|purge|count)
	StoreErrors *prometheus.CounterVec

	// PushFailures counts pushes rejected by a connection handle.
	// Labels: kind (message|presence)
	PushFailures *prometheus.CounterVec

	// DrainBatch observes how many stored messages a drain delivered.
	DrainBatch prometheus.Histogram
}

// New registers the relay metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_total",
			Help: "Chat messages handled by the relay, by path",
		}, []string{"path"}),
		PresenceBroadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_presence_broadcasts_total",
			Help: "Presence broadcasts, by state",
		}, []string{"state"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Users holding a live connection",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_store_errors_total",
			Help: "Failed message store operations, by op",
		}, []string{"op"}),
		PushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_push_failures_total",
			Help: "Pushes rejected by a stale or full connection, by kind",
		}, []string{"kind"}),
		DrainBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_drain_batch_size",
			Help:    "Stored messages delivered per drain",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}
}

func (m *Metrics) Message(path string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(path).Inc()
}

func (m *Metrics) MessagesN(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Messages.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) Presence(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.PresenceBroadcasts.WithLabelValues(state).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) PushFailure(kind string) {
	if m == nil {
		return
	}
	m.PushFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Drained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DrainBatch.Observe(float64(n))
	m.Messages.WithLabelValues(PathDrained).Add(float64(n))
}

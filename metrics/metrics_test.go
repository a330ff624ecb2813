package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Message(PathDelivered)
	m.MessagesN(PathDropped, 3)
	m.Presence(true)
	m.SetActiveSessions(4)
	m.StoreError("enqueue")
	m.PushFailure(KindMessage)
	m.Drained(2)
}

func TestMessageCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Message(PathDelivered)
	m.Message(PathQueued)
	m.Message(PathQueued)
	m.Drained(3)
	m.MessagesN(PathDropped, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues(PathDelivered)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues(PathQueued)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Messages.WithLabelValues(PathDrained)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Messages.WithLabelValues(PathDropped)))
}

func TestPresenceAndSessions(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Presence(true)
	m.Presence(false)
	m.Presence(false)
	m.SetActiveSessions(7)

	expected := `
# HELP chatrelay_presence_broadcasts_total Presence broadcasts, by state
# TYPE chatrelay_presence_broadcasts_total counter
chatrelay_presence_broadcasts_total{state="offline"} 2
chatrelay_presence_broadcasts_total{state="online"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.PresenceBroadcasts, strings.NewReader(expected)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestRegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.StoreError("drain")
	m.PushFailure(KindPresence)

	count, err := testutil.GatherAndCount(reg, "chatrelay_store_errors_total", "chatrelay_push_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// a second set on the same registry collides
	assert.Panics(t, func() { New(reg) })
}

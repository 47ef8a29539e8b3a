package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordRelay("call_offer")
	m.RecordRelay("call_offer")
	m.RecordRelay("end_call")

	expected := `
# HELP teamsync_relayed_signals_total Total number of call signals relayed between users
# TYPE teamsync_relayed_signals_total counter
teamsync_relayed_signals_total{event="call_offer"} 2
teamsync_relayed_signals_total{event="end_call"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.RelayedSignals, strings.NewReader(expected)))
}

func TestConnectionGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ClientConnected()
		m.RecordEvent("x")
		m.RecordDropped()
		m.RecordSwept(3)
	})
}

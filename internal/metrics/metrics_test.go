package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TokenIssued()
	m.TokenVerified("valid")
	m.TokenVerified("expired")
	m.TokenVerified("expired")
	m.SyncBatch(3, 1, 2, 20*time.Millisecond)
	m.ClientConnected(2)
	m.ClientConnected(-1)
	m.Broadcast("lunch")

	got := gather(t, reg)
	require.Equal(t, 1.0, got["checkin_tokens_issued_total"])
	require.Equal(t, 2.0, got["checkin_token_verifications_total/expired"])
	require.Equal(t, 3.0, got["checkin_sync_records_total/synced"])
	require.Equal(t, 2.0, got["checkin_sync_records_total/skipped"])
	require.Equal(t, 1.0, got["checkin_sync_batch_duration_seconds"])
	require.Equal(t, 1.0, got["checkin_websocket_clients"])
	require.Equal(t, 1.0, got["checkin_broadcasts_total/lunch"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.TokenIssued()
		m.TokenVerified("valid")
		m.SyncBatch(1, 0, 0, time.Second)
		m.ClientConnected(1)
		m.Broadcast("kit")
	})
}

// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TokensIssued  prometheus.Counter
	Verifications *prometheus.CounterVec
	SyncRecords   *prometheus.CounterVec
	SyncDuration  prometheus.Histogram
	WSClients     prometheus.Gauge
	Broadcasts    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "checkin",
			Name:      "tokens_issued_total",
			Help:      "QR tokens issued.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkin",
			Name:      "token_verifications_total",
			Help:      "QR token verifications by outcome.",
		}, []string{"outcome"}),
		SyncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkin",
			Name:      "sync_records_total",
			Help:      "Offline records reconciled by status.",
		}, []string{"status"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "checkin",
			Name:      "sync_batch_duration_seconds",
			Help:      "Time to reconcile one offline batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "checkin",
			Name:      "websocket_clients",
			Help:      "Connected WebSocket subscribers.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkin",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to subscribers by fact.",
		}, []string{"fact"}),
	}
	reg.MustRegister(m.TokensIssued, m.Verifications, m.SyncRecords, m.SyncDuration, m.WSClients, m.Broadcasts)
	return m
}

// TokenIssued counts one issued token.
func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
}

// TokenVerified counts a verification; outcome is "valid" or the failure reason.
func (m *Metrics) TokenVerified(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

// SyncBatch records the outcome counts and duration of one batch.
func (m *Metrics) SyncBatch(processed, conflicts, skipped int, took time.Duration) {
	if m == nil {
		return
	}
	m.SyncRecords.WithLabelValues("synced").Add(float64(processed))
	m.SyncRecords.WithLabelValues("conflict").Add(float64(conflicts))
	m.SyncRecords.WithLabelValues("skipped").Add(float64(skipped))
	m.SyncDuration.Observe(took.Seconds())
}

// ClientConnected adjusts the subscriber gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WSClients.Add(float64(delta))
}

// Broadcast counts one fanned-out event.
func (m *Metrics) Broadcast(fact string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(fact).Inc()
}

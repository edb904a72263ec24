package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	// RefreshDuration tracks conversation list refreshes.
	RefreshDuration *prometheus.HistogramVec

	// PageLoads counts message page fetches.
	PageLoads *prometheus.CounterVec

	// Sends counts send attempts by outcome.
	Sends *prometheus.CounterVec

	// Uploads counts image uploads by outcome.
	Uploads *prometheus.CounterVec

	// RealtimeEvents counts push events handled by the bridge.
	RealtimeEvents *prometheus.CounterVec

	// StaleResults counts fetch results discarded because a newer one superseded them.
	StaleResults *prometheus.CounterVec

	// UnreadTotal is the last published effective chat unread total.
	UnreadTotal prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry, so several engines can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_refresh_duration_seconds",
				Help:    "Conversation list refresh duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		PageLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_page_loads_total",
				Help: "Total message page fetches",
			},
			[]string{"kind", "status"},
		),
		Sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Total send attempts",
			},
			[]string{"status"},
		),
		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_uploads_total",
				Help: "Total image uploads",
			},
			[]string{"status"},
		),
		RealtimeEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_realtime_events_total",
				Help: "Total realtime events handled",
			},
			[]string{"type", "outcome"},
		),
		StaleResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_stale_results_total",
				Help: "Fetch results discarded as stale",
			},
			[]string{"source"},
		),
		UnreadTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_unread_total",
				Help: "Effective chat unread total",
			},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRefresh records one list refresh.
func (m *Metrics) RecordRefresh(err error, d time.Duration) {
	m.RefreshDuration.WithLabelValues(statusLabel(err)).Observe(d.Seconds())
}

// RecordPage records one page fetch. kind is "first" or "older".
func (m *Metrics) RecordPage(kind string, err error) {
	m.PageLoads.WithLabelValues(kind, statusLabel(err)).Inc()
}

// RecordSend records one send attempt.
func (m *Metrics) RecordSend(err error) {
	m.Sends.WithLabelValues(statusLabel(err)).Inc()
}

// RecordUpload records one image upload.
func (m *Metrics) RecordUpload(err error) {
	m.Uploads.WithLabelValues(statusLabel(err)).Inc()
}

// RecordEvent records one realtime event.
func (m *Metrics) RecordEvent(eventType, outcome string) {
	m.RealtimeEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordStale records a discarded result.
func (m *Metrics) RecordStale(source string) {
	m.StaleResults.WithLabelValues(source).Inc()
}

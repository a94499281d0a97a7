package progress

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var SessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "indexing",
	Name:      "sessions_started",
}, []string{"indexable"})

var SessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "indexing",
	Name:      "sessions_completed",
}, []string{"indexable"})

var IndexingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "searchsync",
	Subsystem: "indexing",
	Name:      "errors",
}, []string{"indexable"})

var DocumentsIndexedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "indexing",
	Name:      "documents_indexed",
}, []string{"indexable"})

var DocumentsTotalGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "searchsync",
	Subsystem: "indexing",
	Name:      "documents_total",
}, []string{"indexable"})

var SessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "searchsync",
	Subsystem: "indexing",
	Name:      "session_duration_seconds",
	Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
}, []string{"indexable"})

// Collectors lists the metrics a MetricsChannel updates, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SessionsStarted,
		SessionsCompleted,
		IndexingErrors,
		DocumentsIndexedGauge,
		DocumentsTotalGauge,
		SessionDuration,
	}
}

// MetricsChannel turns events into prometheus metrics labelled by indexable.
type MetricsChannel struct {
	now func() time.Time
}

// NewMetricsChannel updates the package collectors; register them with
// Collectors.
func NewMetricsChannel() *MetricsChannel {
	return &MetricsChannel{now: time.Now}
}

func (m *MetricsChannel) Log(_ context.Context, ev Event) {
	indexable, _ := ev.Data["indexable"].(string)

	switch ev.Message {
	case MessageStarted:
		SessionsStarted.WithLabelValues(indexable).Inc()
	case MessageCompleted:
		SessionsCompleted.WithLabelValues(indexable).Inc()
		if ev.Entry != nil && !ev.Entry.StartTime.IsZero() {
			SessionDuration.WithLabelValues(indexable).Observe(m.now().Sub(ev.Entry.StartTime).Seconds())
		}
	case MessageError:
		IndexingErrors.WithLabelValues(indexable).Inc()
	}

	if ev.Entry != nil {
		DocumentsIndexedGauge.WithLabelValues(indexable).Set(float64(ev.Entry.DocumentsIndexed))
		DocumentsTotalGauge.WithLabelValues(indexable).Set(float64(ev.Entry.DocumentsTotal))
	}
}

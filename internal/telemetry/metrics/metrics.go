// Package metrics exposes the Prometheus collectors shared across binaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP holds request-level HTTP metrics for one service.
type HTTP struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTP creates HTTP metrics scoped to serviceName.
func NewHTTP(serviceName string) *HTTP {
	return &HTTP{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Record records one completed HTTP request.
func (m *HTTP) Record(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Pipeline holds the business-level counters for the ingest/outbound pipeline.
type Pipeline struct {
	InboxInserted      prometheus.Counter
	InboxDuplicate     prometheus.Counter
	EventsProcessed    prometheus.Counter
	EventsIgnoredStale prometheus.Counter
	EventsFailed       prometheus.Counter
	OutboundDispatched prometheus.Counter
	OutboundRetried    prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
}

// NewPipeline creates the business counters scoped to serviceName.
func NewPipeline(serviceName string) *Pipeline {
	return &Pipeline{
		InboxInserted: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_inbox_inserted_total",
			Help: "Total number of event inbox rows inserted",
		}),
		InboxDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_inbox_duplicate_total",
			Help: "Total number of events rejected as duplicates at the inbox",
		}),
		EventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_events_processed_total",
			Help: "Total number of inbox events applied to an order",
		}),
		EventsIgnoredStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_events_ignored_stale_total",
			Help: "Total number of inbox events ignored as stale",
		}),
		EventsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_events_failed_total",
			Help: "Total number of inbox events dead-lettered as failed",
		}),
		OutboundDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_outbound_dispatched_total",
			Help: "Total number of outbound deliveries accepted upstream with a 2xx response",
		}),
		OutboundRetried: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_outbound_retried_total",
			Help: "Total number of outbound deliveries re-enqueued after a 429",
		}),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: serviceName + "_queue_depth",
				Help: "Approximate number of visible messages per queue",
			},
			[]string{"queue"},
		),
	}
}

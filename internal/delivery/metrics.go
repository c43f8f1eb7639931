package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes delivery counters on a caller-supplied registerer.
type Metrics struct {
	BatchesSent     prometheus.Counter
	BatchesRetried  prometheus.Counter
	BatchesRejected prometheus.Counter
	RequestsAcked   prometheus.Counter
	RequestsDropped prometheus.Counter
	PendingDepth    prometheus.Gauge
	SendSeconds     prometheus.Histogram
}

// NewMetrics registers delivery metrics with reg. Passing nil registers on
// a private throwaway registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_delivery_batches_sent_total",
			Help: "Batches acknowledged by the server",
		}),
		BatchesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_delivery_batches_retried_total",
			Help: "Batch attempts that failed transiently and were requeued",
		}),
		BatchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_delivery_batches_rejected_total",
			Help: "Batches dropped after permanent rejection",
		}),
		RequestsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_delivery_requests_acked_total",
			Help: "Requests removed from the log after server acknowledgment",
		}),
		RequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engage_delivery_requests_dropped_total",
			Help: "Requests dropped with a rejected batch",
		}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engage_delivery_pending_requests",
			Help: "Requests waiting in the local event store",
		}),
		SendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engage_delivery_send_duration_seconds",
			Help:    "Network send latency seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.BatchesSent, m.BatchesRetried, m.BatchesRejected,
		m.RequestsAcked, m.RequestsDropped, m.PendingDepth, m.SendSeconds)
	return m
}

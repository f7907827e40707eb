package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "raven"

// Metrics counts messages through the pipeline.
type Metrics struct {
	Received         *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	Delivered        prometheus.Counter
	Retried          prometheus.Counter
	Failed           prometheus.Counter
	DeliveryDuration prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages accepted by a listener and enqueued.",
		}, []string{"transport"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages discarded at ingest.",
		}, []string{"transport", "reason"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Messages indexed in the document store.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Delivery attempts repeated after a transient store failure.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages rejected by the store and written to the error index.",
		}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time from dequeue to final outcome, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Received, m.Rejected, m.Delivered, m.Retried, m.Failed, m.DeliveryDuration)
	}
	return m
}

// RegisterQueueDepth exposes a gauge reading the current queue length.
func RegisterQueueDepth(reg prometheus.Registerer, depth func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Messages waiting in the in-process queue.",
	}, func() float64 { return float64(depth()) }))
}

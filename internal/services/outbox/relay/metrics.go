package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	reasonTransport = "transport"
	reasonRejected  = "rejected"
	reasonTimeout   = "timeout"
)

type Metrics struct {
	published     prometheus.Counter
	failed        *prometheus.CounterVec
	deadLettered  prometheus.Counter
	claimsLost    prometheus.Counter
	batchDuration prometheus.Histogram
	batchSize     prometheus.Gauge
}

// NewMetrics registers the relay collectors on reg. A nil reg leaves them
// unregistered, which is what tests running several relays want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_events_published_total",
			Help: "Outbox events confirmed by the broker and marked published.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_relay_events_failed_total",
			Help: "Publish attempts that failed, by reason.",
		}, []string{"reason"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_events_dead_lettered_total",
			Help: "Outbox events that exhausted their attempts.",
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_claims_lost_total",
			Help: "State updates skipped because another relay changed the row first.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_relay_batch_duration_seconds",
			Help:    "Wall time of one relay cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_relay_batch_size",
			Help: "Eligible events selected by the last cycle.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.published, m.failed, m.deadLettered, m.claimsLost, m.batchDuration, m.batchSize)
	}

	return m
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the audit pipeline.
type Metrics struct {
	EventsSubmitted prometheus.Counter
	EventsFlushed   prometheus.Counter
	EventsDropped   prometheus.Counter
	FlushFailures   prometheus.Counter
	ExportsTotal    prometheus.Counter
	BufferPending   prometheus.Gauge
}

// New creates and registers all Prometheus metrics against the given
// registerer. Tests pass a fresh prometheus.NewRegistry() so instances
// never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "careledger_audit_events_submitted_total",
			Help: "Total audit events accepted into the write buffer",
		}),
		EventsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "careledger_audit_events_flushed_total",
			Help: "Total audit events durably written to the store",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "careledger_audit_events_dropped_total",
			Help: "Total audit events abandoned after sustained store failures",
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "careledger_audit_flush_failures_total",
			Help: "Total failed batch inserts to the audit store",
		}),
		ExportsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "careledger_audit_exports_total",
			Help: "Total successful audit log CSV exports",
		}),
		BufferPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "careledger_audit_buffer_pending",
			Help: "Audit events currently held in the write buffer",
		}),
	}
}

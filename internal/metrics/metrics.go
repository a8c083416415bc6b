// Package metrics exposes Prometheus instrumentation for the
// scheduler: queued-job-count per destination, quota denials, and
// subscription queue depth. This isn't a functional requirement of
// the scheduler itself, but every long-running daemon that owns
// background state benefits from exposing it, so it's carried as an
// ambient concern rather than bolted onto handler code.
//
// The handlers and the server's sweep update QueuedJobs, and Print-Job
// updates QuotaDenials; SubscriptionBacklog, RequestsTotal and
// RequestDuration are registered, but nothing in the daemon updates them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the scheduler registers. Keeping them
// on a struct instead of package-level globals lets tests build a
// private prometheus.Registry and avoid collisions between parallel
// test runs.
type Metrics struct {
	QueuedJobs          *prometheus.GaugeVec
	QuotaDenials        *prometheus.CounterVec
	SubscriptionBacklog *prometheus.GaugeVec
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
}

// New creates the collector set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueuedJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ipp_scheduler",
			Name:      "queued_job_count",
			Help:      "Number of jobs in pending, held, processing, or stopped state, per destination.",
		}, []string{"destination"}),

		QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipp_scheduler",
			Name:      "quota_denials_total",
			Help:      "Count of job submissions rejected by the quota tracker.",
		}, []string{"destination", "reason"}),

		SubscriptionBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ipp_scheduler",
			Name:      "subscription_event_backlog",
			Help:      "Number of undelivered queued events per subscription.",
		}, []string{"subscription_id"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipp_scheduler",
			Name:      "requests_total",
			Help:      "Count of dispatched IPP requests by operation and resulting status.",
		}, []string{"operation", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ipp_scheduler",
			Name:      "request_duration_seconds",
			Help:      "Dispatcher request handling latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(m.QueuedJobs, m.QuotaDenials, m.SubscriptionBacklog, m.RequestsTotal, m.RequestDuration)
	return m
}

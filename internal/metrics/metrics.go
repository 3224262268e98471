// Package metrics exposes scheduler counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's Prometheus metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	claims        *prometheus.CounterVec
	completions   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	running       *prometheus.GaugeVec
	queued        *prometheus.GaugeVec
	cycleDuration prometheus.Histogram
	finalizations *prometheus.CounterVec
	orphans       *prometheus.CounterVec
	expired       prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gowq_claims_total",
			Help: "Claim attempts by work item type and result (won, conflict, error).",
		}, []string{"type", "result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gowq_completions_total",
			Help: "Finished worker runs by work item type and completion status.",
		}, []string{"type", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gowq_retries_total",
			Help: "Work items re-queued after a temporary error.",
		}, []string{"type"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gowq_pool_running",
			Help: "Workers currently running per thread pool.",
		}, []string{"type"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gowq_pool_queued",
			Help: "Claimed work items waiting for a run slot per thread pool.",
		}, []string{"type"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gowq_cycle_duration_seconds",
			Help:    "Duration of one scheduler cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gowq_job_finalizations_total",
			Help: "Jobs finalized by aggregate status.",
		}, []string{"status"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gowq_orphans_total",
			Help: "Orphaned work items recovered by action (reset, delete).",
		}, []string{"action"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gowq_expired_deleted_total",
			Help: "Preserved work items deleted after their expiration.",
		}),
	}
	reg.MustRegister(c.claims, c.completions, c.retries, c.running, c.queued,
		c.cycleDuration, c.finalizations, c.orphans, c.expired)
	return c
}

func (c *Collector) RecordClaim(typ, result string) {
	if c == nil {
		return
	}
	c.claims.WithLabelValues(typ, result).Inc()
}

func (c *Collector) RecordCompletion(typ, status string) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(typ, status).Inc()
}

func (c *Collector) RecordRetry(typ string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(typ).Inc()
}

// SetPool publishes the occupancy of one thread pool.
func (c *Collector) SetPool(typ string, running, queued int) {
	if c == nil {
		return
	}
	c.running.WithLabelValues(typ).Set(float64(running))
	c.queued.WithLabelValues(typ).Set(float64(queued))
}

func (c *Collector) ObserveCycle(d time.Duration) {
	if c == nil {
		return
	}
	c.cycleDuration.Observe(d.Seconds())
}

func (c *Collector) RecordFinalization(status string) {
	if c == nil {
		return
	}
	c.finalizations.WithLabelValues(status).Inc()
}

func (c *Collector) RecordOrphan(action string) {
	if c == nil {
		return
	}
	c.orphans.WithLabelValues(action).Inc()
}

func (c *Collector) RecordExpired(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.expired.Add(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

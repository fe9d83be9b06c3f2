// Package metrics holds the Prometheus collector exposed by the diagnostic
// HTTP surface (spec.md §4's observability notes, carried as ambient stack
// per SPEC_FULL.md even though attachment lifecycle itself is out of scope).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this connector exposes, labeled by
// attachment name (this module pools one backend per attachment, not one
// pool per tenant the way the teacher does, so "tenant" becomes
// "attachment" throughout).
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsPinned  *prometheus.GaugeVec
	acquireDuration    *prometheus.HistogramVec
	acquireTimeouts    *prometheus.CounterVec
	poolExhausted      *prometheus.CounterVec

	queryDuration *prometheus.HistogramVec
	queryErrors   *prometheus.CounterVec

	catalogCacheHits   *prometheus.CounterVec
	catalogCacheMisses *prometheus.CounterVec

	bcpRowsTotal     *prometheus.CounterVec
	bcpBatchDuration *prometheus.HistogramVec
}

// New creates and registers every metric on an independent registry, safe to
// call more than once (e.g. in tests) without colliding with another
// Collector's registrations.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mssqlcore_connections_active",
				Help: "Number of active connections per attachment",
			},
			[]string{"attachment"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mssqlcore_connections_idle",
				Help: "Number of idle connections per attachment",
			},
			[]string{"attachment"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mssqlcore_connections_total",
				Help: "Total connections (active+idle) per attachment",
			},
			[]string{"attachment"},
		),
		connectionsPinned: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mssqlcore_connections_pinned",
				Help: "Connections held by an open transaction per attachment",
			},
			[]string{"attachment"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mssqlcore_acquire_duration_seconds",
				Help:    "Time spent waiting in pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"attachment"},
		),
		acquireTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mssqlcore_acquire_timeouts_total",
				Help: "Acquire calls that exceeded acquire_timeout",
			},
			[]string{"attachment"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mssqlcore_pool_exhausted_total",
				Help: "Acquire calls that failed because the pool was at connection_limit",
			},
			[]string{"attachment"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mssqlcore_query_duration_seconds",
				Help:    "Duration of query.Run from pool acquire through connection release",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"attachment"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mssqlcore_query_errors_total",
				Help: "Batches that ended in a fatal server error or a protocol error",
			},
			[]string{"attachment"},
		),
		catalogCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mssqlcore_catalog_cache_hits_total",
				Help: "Metadata cache lookups served without a discovery query",
			},
			[]string{"attachment"},
		),
		catalogCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mssqlcore_catalog_cache_misses_total",
				Help: "Metadata cache lookups that triggered a discovery query",
			},
			[]string{"attachment"},
		),
		bcpRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mssqlcore_bcp_rows_total",
				Help: "Rows sent via INSERT BULK",
			},
			[]string{"attachment"},
		),
		bcpBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mssqlcore_bcp_batch_duration_seconds",
				Help:    "Duration of one BCP flush batch",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"attachment"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsPinned,
		c.acquireDuration,
		c.acquireTimeouts,
		c.poolExhausted,
		c.queryDuration,
		c.queryErrors,
		c.catalogCacheHits,
		c.catalogCacheMisses,
		c.bcpRowsTotal,
		c.bcpBatchDuration,
	)

	return c
}

// UpdatePoolStats sets the pool gauges from a pool.Stats-shaped snapshot.
func (c *Collector) UpdatePoolStats(attachment string, active, idle, total, pinned int) {
	c.connectionsActive.WithLabelValues(attachment).Set(float64(active))
	c.connectionsIdle.WithLabelValues(attachment).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(attachment).Set(float64(total))
	c.connectionsPinned.WithLabelValues(attachment).Set(float64(pinned))
}

// AcquireDuration observes the time spent waiting for a connection.
func (c *Collector) AcquireDuration(attachment string, d time.Duration) {
	c.acquireDuration.WithLabelValues(attachment).Observe(d.Seconds())
}

// AcquireTimeout increments the acquire-timeout counter.
func (c *Collector) AcquireTimeout(attachment string) {
	c.acquireTimeouts.WithLabelValues(attachment).Inc()
}

// PoolExhausted increments the pool-exhaustion counter.
func (c *Collector) PoolExhausted(attachment string) {
	c.poolExhausted.WithLabelValues(attachment).Inc()
}

// QueryCompleted records a batch's duration and, if it errored fatally,
// increments the error counter.
func (c *Collector) QueryCompleted(attachment string, d time.Duration, fatal bool) {
	c.queryDuration.WithLabelValues(attachment).Observe(d.Seconds())
	if fatal {
		c.queryErrors.WithLabelValues(attachment).Inc()
	}
}

// CatalogCacheHit/CatalogCacheMiss record metadata cache lookups.
func (c *Collector) CatalogCacheHit(attachment string)  { c.catalogCacheHits.WithLabelValues(attachment).Inc() }
func (c *Collector) CatalogCacheMiss(attachment string) { c.catalogCacheMisses.WithLabelValues(attachment).Inc() }

// BCPBatchCompleted records one INSERT BULK flush batch.
func (c *Collector) BCPBatchCompleted(attachment string, rows int, d time.Duration) {
	c.bcpRowsTotal.WithLabelValues(attachment).Add(float64(rows))
	c.bcpBatchDuration.WithLabelValues(attachment).Observe(d.Seconds())
}

// RemoveAttachment deletes every label series for attachment, called on
// detach so a long-lived process doesn't accumulate metrics for connectors
// that no longer exist.
func (c *Collector) RemoveAttachment(attachment string) {
	c.connectionsActive.DeleteLabelValues(attachment)
	c.connectionsIdle.DeleteLabelValues(attachment)
	c.connectionsTotal.DeleteLabelValues(attachment)
	c.connectionsPinned.DeleteLabelValues(attachment)
	c.acquireDuration.DeleteLabelValues(attachment)
	c.acquireTimeouts.DeleteLabelValues(attachment)
	c.poolExhausted.DeleteLabelValues(attachment)
	c.queryDuration.DeleteLabelValues(attachment)
	c.queryErrors.DeleteLabelValues(attachment)
	c.catalogCacheHits.DeleteLabelValues(attachment)
	c.catalogCacheMisses.DeleteLabelValues(attachment)
	c.bcpRowsTotal.DeleteLabelValues(attachment)
	c.bcpBatchDuration.DeleteLabelValues(attachment)
}

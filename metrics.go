package mssqlmcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mssqlmcp"

// Collector exposes tool call counts and latencies together with cache and
// connection pool state read at scrape time. Register it with
// prometheus.Registerer.MustRegister(p.Collector()).
type Collector struct {
	engine *SqlServerMcp

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	cacheKeys    *prometheus.Desc
	poolAttempts *prometheus.Desc
	poolSuccess  *prometheus.Desc
	poolFailed   *prometheus.Desc
	poolRetried  *prometheus.Desc
	circuitOpen  *prometheus.Desc
}

func newCollector(p *SqlServerMcp) *Collector {
	return &Collector{
		engine: p,
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool and outcome (ok or error kind).",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "tool_duration_seconds",
				Help:      "Tool call latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "hits"),
			"Metadata cache hits since the last cache_stats reset.", nil, nil),
		cacheMisses: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "misses"),
			"Metadata cache misses since the last cache_stats reset.", nil, nil),
		cacheKeys: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "cache", "keys"),
			"Live metadata cache keys by prefix.", []string{"prefix"}, nil),
		poolAttempts: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", "attempts"),
			"Connection acquisitions since the last statistics reset.", nil, nil),
		poolSuccess: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", "successful_connections"),
			"Successful acquisitions since the last statistics reset.", nil, nil),
		poolFailed: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", "failed_connections"),
			"Failed acquisitions since the last statistics reset.", nil, nil),
		poolRetried: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", "retried_connections"),
			"Acquisitions that needed at least one retry since the last statistics reset.", nil, nil),
		circuitOpen: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", "circuit_state"),
			"1 for the current circuit breaker state.", []string{"state"}, nil),
	}
}

// Collector returns the engine's Prometheus collector.
func (p *SqlServerMcp) Collector() *Collector {
	return p.metrics
}

// observeTool records one tool call. An empty kind means success.
func (c *Collector) observeTool(tool string, kind ErrorKind, d time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.toolCalls.Describe(ch)
	c.toolDuration.Describe(ch)
	for _, d := range []*prometheus.Desc{
		c.cacheHits, c.cacheMisses, c.cacheKeys,
		c.poolAttempts, c.poolSuccess, c.poolFailed, c.poolRetried, c.circuitOpen,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.toolCalls.Collect(ch)
	c.toolDuration.Collect(ch)

	// Cache and pool counters can be reset through the stats tools, so they
	// are exported as gauges.
	cm := c.engine.cache.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.GaugeValue, float64(cm.Hits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.GaugeValue, float64(cm.Misses))
	for prefix, n := range c.engine.cache.GetCacheInfo().KeysByPrefix {
		ch <- prometheus.MustNewConstMetric(c.cacheKeys, prometheus.GaugeValue, float64(n), prefix)
	}

	ps := c.engine.pool.GetStatistics()
	ch <- prometheus.MustNewConstMetric(c.poolAttempts, prometheus.GaugeValue, float64(ps.TotalAttempts))
	ch <- prometheus.MustNewConstMetric(c.poolSuccess, prometheus.GaugeValue, float64(ps.SuccessfulConnections))
	ch <- prometheus.MustNewConstMetric(c.poolFailed, prometheus.GaugeValue, float64(ps.FailedConnections))
	ch <- prometheus.MustNewConstMetric(c.poolRetried, prometheus.GaugeValue, float64(ps.RetriedConnections))
	for _, state := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if state == ps.CircuitState {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.circuitOpen, prometheus.GaugeValue, v, state)
	}
}

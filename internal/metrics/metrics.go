// Package metrics holds the process-wide Prometheus collectors. They are
// registered with the default registry and served by `worklog serve` at
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_store_operations_total",
		Help: "Store operations by class and outcome",
	}, []string{"class", "outcome"})

	storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worklog_store_operation_duration_seconds",
		Help:    "Store operation duration in seconds, retries included",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	}, []string{"class"})

	storeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worklog_store_retries_total",
		Help: "Operations retried after a connection-class error",
	})

	storeConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worklog_store_connect_failures_total",
		Help: "Connection attempts that failed",
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_cache_lookups_total",
		Help: "Cached reads by key family and result (hit, miss, bypass, error)",
	}, []string{"family", "result"})

	cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_cache_invalidations_total",
		Help: "Invalidation passes by cache type and outcome",
	}, []string{"type", "outcome"})

	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_jobs_enqueued_total",
		Help: "Jobs added to the queue by type",
	}, []string{"type"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_jobs_finished_total",
		Help: "Job runs by type and resulting status",
	}, []string{"type", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worklog_job_duration_seconds",
		Help:    "Duration of a single job run",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"type"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worklog_queue_depth",
		Help: "Jobs currently held in memory by the queue",
	})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worklog_llm_tokens_total",
		Help: "Tokens consumed by analysis completions",
	}, []string{"kind"})
)

// ObserveStoreOp records the outcome of one managed store operation.
func ObserveStoreOp(class string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeOps.WithLabelValues(class, outcome).Inc()
	storeOpDuration.WithLabelValues(class).Observe(d.Seconds())
}

func StoreRetry() { storeRetries.Inc() }

func StoreConnectFailure() { storeConnectFailures.Inc() }

// CacheLookup counts one cached read. result is hit, miss, bypass or error.
func CacheLookup(family, result string) {
	cacheLookups.WithLabelValues(family, result).Inc()
}

func CacheInvalidation(cacheType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheInvalidations.WithLabelValues(cacheType, outcome).Inc()
}

func JobEnqueued(jobType string) {
	jobsEnqueued.WithLabelValues(jobType).Inc()
}

// JobFinished records a run that ended in status after d.
func JobFinished(jobType, status string, d time.Duration) {
	jobsFinished.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// LLMUsage adds completion token usage.
func LLMUsage(prompt, completion int) {
	llmTokens.WithLabelValues("prompt").Add(float64(prompt))
	llmTokens.WithLabelValues("completion").Add(float64(completion))
}

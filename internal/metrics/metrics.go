// Package metrics holds the Prometheus instruments for the server. All
// instruments hang off a caller-supplied registry so tests can build a fresh
// set without collisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments.
type Metrics struct {
	Registry *prometheus.Registry

	// Ingestion
	DocumentsIndexed  *prometheus.CounterVec
	DocumentsDeleted  *prometheus.CounterVec
	ChunksEmbedded    prometheus.Counter
	IndexStageSeconds *prometheus.HistogramVec

	// Embedding cache
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheEntries prometheus.Gauge

	// Resilience
	RateLimitRejections *prometheus.CounterVec
	BreakerTransitions  *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec

	// Query
	Searches       *prometheus.CounterVec
	RAGQueries     *prometheus.CounterVec
	QuerySeconds   *prometheus.HistogramVec
	ChunksReturned prometheus.Histogram

	// Events
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter

	// Sync
	SyncRuns        *prometheus.CounterVec
	SyncRunSeconds  prometheus.Histogram
	WatcherFlushes  prometheus.Counter
	ToolInvocations *prometheus.CounterVec
}

// New creates the instrument set on a fresh registry, which also carries the
// standard Go and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tome"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		DocumentsIndexed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_indexed_total",
				Help:      "Documents indexed, by doc type and outcome",
			},
			[]string{"doc_type", "status"},
		),

		DocumentsDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_deleted_total",
				Help:      "Documents removed from the index",
			},
			[]string{"reason"},
		),

		ChunksEmbedded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_embedded_total",
				Help:      "Chunks sent through the embedding provider",
			},
		),

		IndexStageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_stage_duration_seconds",
				Help:      "Duration of each indexing stage",
				Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_hits_total",
				Help:      "Embedding lookups served from cache",
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_misses_total",
				Help:      "Embedding lookups that went to the provider",
			},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "embedding_cache_entries",
				Help:      "Entries currently held in the embedding cache",
			},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Tool calls rejected by the rate limiter",
			},
			[]string{"tool", "window"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker state transitions, by pipeline and new state",
			},
			[]string{"pipeline", "state"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retries issued by resilience pipelines",
			},
			[]string{"pipeline"},
		),

		Searches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "searches_total",
				Help:      "Semantic searches, by corpus and outcome",
			},
			[]string{"corpus", "status"},
		),

		RAGQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rag_queries_total",
				Help:      "RAG queries, by corpus and outcome",
			},
			[]string{"corpus", "status"},
		),

		QuerySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "End-to-end query latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		ChunksReturned: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_chunks_returned",
				Help:      "Chunks returned per query after dedupe",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published on the internal bus",
			},
			[]string{"type"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the bus queue was full",
			},
		),

		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Repository sync runs, by repo and outcome",
			},
			[]string{"repo", "status"},
		),

		SyncRunSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_run_duration_seconds",
				Help:      "Duration of a full repository sync run",
				Buckets:   []float64{.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),

		WatcherFlushes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watcher_flushes_total",
				Help:      "Debounced filesystem change batches flushed",
			},
		),

		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Tool calls received, by tool and outcome",
			},
			[]string{"tool", "status"},
		),
	}

	return m
}

// ObserveStage records the duration of one indexing stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.IndexStageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordQuery records latency plus the per-operation counter in one call.
func (m *Metrics) RecordQuery(operation, corpus, status string, d time.Duration) {
	m.QuerySeconds.WithLabelValues(operation).Observe(d.Seconds())
	switch operation {
	case "rag_query":
		m.RAGQueries.WithLabelValues(corpus, status).Inc()
	default:
		m.Searches.WithLabelValues(corpus, status).Inc()
	}
}

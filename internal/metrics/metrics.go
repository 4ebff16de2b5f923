// Package metrics holds the Prometheus collectors for ingestion, querying and
// the embedding cache. Collectors live on a private registry served by Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusNoDocument = "no_document"
)

var registry = prometheus.NewRegistry()

var (
	DocumentsIngested = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "docqa_documents_ingested_total",
		Help: "Documents loaded and indexed, by file type.",
	}, []string{"type"})

	ChunksIndexed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "docqa_chunks_indexed_total",
		Help: "Chunks embedded and written to a vector store.",
	})

	Queries = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "docqa_queries_total",
		Help: "Questions processed, by outcome.",
	}, []string{"status"})

	QueryDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "docqa_query_duration_seconds",
		Help:    "End-to-end latency of answering a question.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	EmbeddingCache = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "docqa_embedding_cache_total",
		Help: "Embedding cache lookups, by result.",
	}, []string{"result"})

	LoadedCollections = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "docqa_loaded_collections",
		Help: "Collections currently held in memory.",
	})
)

// ObserveQuery records one answered (or failed) question.
func ObserveQuery(status string, start time.Time) {
	Queries.WithLabelValues(status).Inc()
	if status == StatusOK {
		QueryDuration.Observe(time.Since(start).Seconds())
	}
}

// CacheLookup records embedding cache hits and misses.
func CacheLookup(hits, misses int) {
	if hits > 0 {
		EmbeddingCache.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		EmbeddingCache.WithLabelValues("miss").Add(float64(misses))
	}
}

// Handler serves the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

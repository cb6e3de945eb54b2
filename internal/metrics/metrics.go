// Package metrics exposes Prometheus collectors for the capture and
// transcription pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxlog"

var (
	// SegmentsFinalizedTotal counts segments written to disk and enqueued
	// for transcription.
	SegmentsFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_finalized_total",
		Help:      "Audio segments finalized and persisted.",
	})

	// SegmentsDiscardedTotal counts zero-length segments dropped at a
	// session boundary.
	SegmentsDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_discarded_total",
		Help:      "Degenerate (empty) segments discarded without persisting.",
	})

	// TranscriptionAttemptsTotal counts individual provider calls by
	// provider name.
	TranscriptionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcription_attempts_total",
		Help:      "Transcription attempts by provider.",
	}, []string{"provider"})

	// TranscriptionsCompletedTotal counts segments that reached a
	// completed transcript, by producing method.
	TranscriptionsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcriptions_completed_total",
		Help:      "Segments transcribed successfully by method.",
	}, []string{"method"})

	// TranscriptionsFailedTotal counts segments that exhausted every path.
	TranscriptionsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcriptions_failed_total",
		Help:      "Segments whose transcription failed terminally.",
	})

	// TranscriptionRetriesTotal counts persisted retry bumps.
	TranscriptionRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcription_retries_total",
		Help:      "Remote transcription retries scheduled.",
	})

	// TranscriptionCacheHitsTotal counts segments completed from cache.
	TranscriptionCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcription_cache_hits_total",
		Help:      "Transcripts served from the in-memory cache.",
	})

	// ImportedFilesTotal counts audio files picked up by the import
	// watcher.
	ImportedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "imported_files_total",
		Help:      "Audio files ingested from the import directory.",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHandler wraps an http.Handler with request counting and latency
// observation under a stable route label.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets wrapped handlers stream (SSE) through the instrumentation.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

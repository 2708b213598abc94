package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journalyst",
		Subsystem: "chat",
		Name:      "requests_total",
		Help:      "Chat requests by mode, query type and outcome.",
	}, []string{"mode", "query_type", "status"})

	chatDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "journalyst",
		Subsystem: "chat",
		Name:      "request_duration_seconds",
		Help:      "End-to-end chat request duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "journalyst",
		Subsystem: "chat",
		Name:      "stage_duration_seconds",
		Help:      "Per-stage duration within a chat request.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	streamedChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journalyst",
		Subsystem: "chat",
		Name:      "streamed_chunks_total",
		Help:      "Text chunks forwarded over SSE.",
	})

	archiverRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "journalyst",
		Subsystem: "archiver",
		Name:      "runs_total",
		Help:      "Archiver ticks by outcome.",
	}, []string{"status"})

	archivedSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "journalyst",
		Subsystem: "archiver",
		Name:      "sessions_archived_total",
		Help:      "Idle sessions embedded into the conversation collection.",
	})
)

func init() {
	prometheus.MustRegister(chatRequests, chatDuration, stageDuration, streamedChunks, archiverRuns, archivedSessions)
}

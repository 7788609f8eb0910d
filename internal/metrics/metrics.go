// Package metrics defines the bridge's Prometheus instruments and the
// optional operational HTTP listener that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesReceived counts raw payloads handed to the router by the
	// receive loop, before any filtering.
	EnvelopesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "envelopes_received_total",
		Help:      "Raw gateway payloads received over the WebSocket stream.",
	})

	// EnvelopesDropped counts envelopes removed from the pipeline before
	// reaching the assistant, partitioned by reason.
	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "envelopes_dropped_total",
		Help:      "Envelopes dropped before assistant handoff.",
	}, []string{"reason"})

	// Reconnects counts WebSocket reconnect attempts after a failure.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "gateway_reconnects_total",
		Help:      "Receive stream reconnect attempts.",
	})

	// AssistantCalls counts webhook invocations by outcome ("ok", "error").
	AssistantCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "assistant_calls_total",
		Help:      "Assistant webhook invocations.",
	}, []string{"outcome"})

	// RepliesSent counts successful outbound sends through the gateway.
	RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "replies_sent_total",
		Help:      "Assistant replies delivered via the Signal gateway.",
	})

	// ArchiveEnqueued counts records accepted into the writer queue.
	ArchiveEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "archive_enqueued_total",
		Help:      "Message records accepted into the archive queue.",
	})

	// ArchiveQueueDepth tracks the writer queue occupancy.
	ArchiveQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalbus",
		Name:      "archive_queue_depth",
		Help:      "Records currently waiting in the archive queue.",
	})

	// BatchesFlushed counts committed archive batches by trigger
	// ("size", "timeout", "drain").
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "archive_batches_flushed_total",
		Help:      "Archive batches committed, by flush trigger.",
	}, []string{"trigger"})

	// BatchesFailed counts archive batches discarded after a commit error.
	BatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "archive_batches_failed_total",
		Help:      "Archive batches rolled back and discarded.",
	})

	// GroupCacheHits and GroupCacheMisses track resolver cache behavior.
	GroupCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "group_cache_hits_total",
		Help:      "Group resolver cache hits.",
	})
	GroupCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalbus",
		Name:      "group_cache_misses_total",
		Help:      "Group resolver cache misses (gateway fetch required).",
	})
)

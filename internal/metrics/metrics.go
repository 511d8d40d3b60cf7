// Package metrics provides Prometheus instrumentation for the workchat sync
// engine. It exposes counters for inbound event throughput and absorbed
// duplicates, gauges for connection status and outbox depth, and a histogram
// for acknowledgement latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts inbound events dispatched to the engine, labeled by
	// event name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workchat_events_total",
		Help: "Total number of inbound events dispatched",
	}, []string{"event"})

	// EventsMalformed counts inbound events whose payload could not be decoded.
	EventsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workchat_events_malformed_total",
		Help: "Total number of inbound events with undecodable payloads",
	}, []string{"event"})

	// DuplicatesAbsorbed counts replayed events that left state unchanged,
	// labeled by kind: "message", "unread".
	DuplicatesAbsorbed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workchat_duplicates_absorbed_total",
		Help: "Total number of duplicate deliveries absorbed idempotently",
	}, []string{"kind"})

	// StaleResponses counts fetch responses dropped because a newer fetch for
	// the same key was issued, labeled by kind: "conversations", "messages",
	// "conversation".
	StaleResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workchat_stale_responses_total",
		Help: "Total number of superseded fetch responses discarded",
	}, []string{"kind"})

	// Resyncs counts completed resynchronizations after (re)connecting.
	Resyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workchat_resyncs_total",
		Help: "Total number of resynchronizations after connecting",
	})

	// ConnectionStatus is the transport status: 0 disconnected, 1 connecting,
	// 2 connected, 3 reconnecting.
	ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workchat_connection_status",
		Help: "Current transport connection status (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	})

	// AckLatency records the time from emit to acknowledgement in seconds.
	AckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "workchat_ack_latency_seconds",
		Help:    "Time from emit to server acknowledgement in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// AckFailures counts acknowledged emits that failed, labeled by reason:
	// "timeout", "not_connected", "remote", "write".
	AckFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workchat_ack_failures_total",
		Help: "Total number of emits that did not receive a positive acknowledgement",
	}, []string{"reason"})

	// OutboxDepth tracks the number of sends queued while disconnected.
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workchat_outbox_depth",
		Help: "Current number of sends waiting in the outbox",
	})

	// ArchiveDropped counts archive writes dropped because the mirror queue
	// was full.
	ArchiveDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workchat_archive_dropped_total",
		Help: "Total number of archive writes dropped on a full queue",
	})
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		EventsMalformed,
		DuplicatesAbsorbed,
		StaleResponses,
		Resyncs,
		ConnectionStatus,
		AckLatency,
		AckFailures,
		OutboxDepth,
		ArchiveDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

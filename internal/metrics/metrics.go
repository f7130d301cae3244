// Package metrics registers the Prometheus collectors shared across the
// ingest and rules paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAdmitted counts per-event admission outcomes by reason.
	// reason is "accepted" or one of the stable rejection tags.
	EventsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctoring_events_admitted_total",
			Help: "Per-event admission outcomes by reason",
		},
		[]string{"reason"},
	)

	// BatchDuration observes the wall time of one batch admission.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proctoring_batch_duration_seconds",
			Help:    "Duration of batch admission including persistence",
			Buckets: prometheus.DefBuckets,
		},
	)

	// AlertsEmitted counts alerts by event type and severity.
	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctoring_alerts_emitted_total",
			Help: "Alerts emitted by the rules engine",
		},
		[]string{"type", "severity"},
	)

	// AlertsSuppressed counts alerts swallowed by the per-type cooldown.
	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctoring_alerts_suppressed_total",
			Help: "Alerts suppressed by the cooldown gate",
		},
		[]string{"type"},
	)

	// RiskSnapshots counts snapshot writes.
	RiskSnapshots = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctoring_risk_snapshots_total",
			Help: "Risk score snapshots appended",
		},
	)

	// StreamPublished counts records published to the event stream.
	StreamPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctoring_stream_published_total",
			Help: "Event records published to the stream by outcome",
		},
		[]string{"outcome"},
	)

	// ConsumerLag observes the age of records when the async rules
	// consumer processes them.
	ConsumerLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proctoring_consumer_lag_seconds",
			Help:    "Age of stream records at consumption time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	// SessionsSwept counts stale sessions ended by the sweeper.
	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proctoring_sessions_swept_total",
			Help: "Stale sessions transitioned to ENDED by the sweeper",
		},
	)

	// EvidenceBytes observes stored thumbnail sizes.
	EvidenceBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proctoring_evidence_bytes",
			Help:    "Size of stored evidence blobs",
			Buckets: []float64{512, 1024, 2048, 4096, 8192, 10240},
		},
	)
)

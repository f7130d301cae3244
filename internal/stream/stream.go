// Package stream publishes admitted events to a durable topic and feeds
// them back to the async rules path. Records are keyed by session_id so one
// session's events stay ordered within a partition; backends are Redis
// Streams for local and docker deployments and Cloud Pub/Sub for
// production, behind the same contracts.
package stream

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/metrics"
)

// Record is the unit of transport: one admitted event plus the routing
// metadata the consumer needs.
type Record struct {
	TenantID    string            `json:"tenant_id"`
	Event       core.AnomalyEvent `json:"event"`
	PublishedAt time.Time         `json:"published_at"`
}

// Publisher appends admitted events to the topic. Implementations must be
// safe for concurrent use; admission calls Publish on the hot path.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error
	Close() error
}

// Handler processes one record. Returning an error leaves the record
// unacknowledged for redelivery.
type Handler func(ctx context.Context, rec *Record) error

// Consumer drives a Handler over the topic until the context is cancelled.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}

// Evaluator is the slice of the rules engine the consumer drives.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error
	Flush(ctx context.Context)
}

// Consume runs the consumer against the rules engine, observing record age
// on the way through, and flushes pending snapshots when the consumer
// stops.
func Consume(ctx context.Context, c Consumer, eval Evaluator) error {
	err := c.Run(ctx, func(ctx context.Context, rec *Record) error {
		if !rec.PublishedAt.IsZero() {
			metrics.ConsumerLag.Observe(time.Since(rec.PublishedAt).Seconds())
		}
		return eval.Evaluate(ctx, rec.TenantID, &rec.Event)
	})
	// The inducing context is gone; flush on a fresh one.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	eval.Flush(flushCtx)
	return err
}

// partition maps a session id onto one of n partitions. Stable across
// processes so every pod routes a session the same way.
func partition(sessionID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(n))
}

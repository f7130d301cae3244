package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/metrics"
)

const (
	redisStreamPrefix = "stream:events:"
	// redisStreamMaxLen bounds each partition stream; trimming is
	// approximate (XADD MAXLEN ~) to keep appends O(1).
	redisStreamMaxLen = 100_000
	redisReadBlock    = 5 * time.Second
	redisReadCount    = 64
)

func redisStreamKey(part int) string {
	return redisStreamPrefix + strconv.Itoa(part)
}

// RedisPublisher appends records to partitioned Redis Streams. The
// partition is chosen by session id, which preserves per-session order as
// long as each partition has a single consumer.
type RedisPublisher struct {
	client     redis.UniversalClient
	partitions int
}

func NewRedisPublisher(client redis.UniversalClient, partitions int) *RedisPublisher {
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisPublisher{client: client, partitions: partitions}
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error {
	rec := Record{TenantID: tenantID, Event: *ev, PublishedAt: time.Now()}
	payload, err := json.Marshal(&rec)
	if err != nil {
		metrics.StreamPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal record: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStreamKey(partition(ev.SessionID, p.partitions)),
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"record": payload},
	}).Err()
	if err != nil {
		metrics.StreamPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("xadd: %w", err)
	}
	metrics.StreamPublished.WithLabelValues("ok").Inc()
	return nil
}

func (p *RedisPublisher) Close() error { return nil }

// RedisConsumer reads the partition streams through a consumer group, one
// worker goroutine per partition.
type RedisConsumer struct {
	client     redis.UniversalClient
	group      string
	name       string
	partitions int
}

// NewRedisConsumer builds a consumer. name distinguishes this process
// within the group, typically the pod name.
func NewRedisConsumer(client redis.UniversalClient, group, name string, partitions int) *RedisConsumer {
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisConsumer{client: client, group: group, name: name, partitions: partitions}
}

// Run consumes every partition until ctx is cancelled. Records that fail
// the handler stay pending in the group for redelivery.
func (c *RedisConsumer) Run(ctx context.Context, h Handler) error {
	for part := 0; part < c.partitions; part++ {
		err := c.client.XGroupCreateMkStream(ctx, redisStreamKey(part), c.group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on partition %d: %w", part, err)
		}
	}

	var wg sync.WaitGroup
	for part := 0; part < c.partitions; part++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			c.consumePartition(ctx, part, h)
		}(part)
	}
	wg.Wait()
	return ctx.Err()
}

func (c *RedisConsumer) consumePartition(ctx context.Context, part int, h Handler) {
	key := redisStreamKey(part)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{key, ">"},
			Count:    redisReadCount,
			Block:    redisReadBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("stream read failed", "partition", part, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				c.handleMessage(ctx, key, msg, h)
			}
		}
	}
}

func (c *RedisConsumer) handleMessage(ctx context.Context, key string, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values["record"].(string)
	if !ok {
		// Malformed entries are acked away, never retried.
		slog.Warn("stream entry without record field", "id", msg.ID)
		c.ack(ctx, key, msg.ID)
		return
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		slog.Warn("stream entry unmarshal failed", "id", msg.ID, "error", err)
		c.ack(ctx, key, msg.ID)
		return
	}
	if err := h(ctx, &rec); err != nil {
		slog.Error("stream handler failed", "event_id", rec.Event.EventID, "error", err)
		return
	}
	c.ack(ctx, key, msg.ID)
}

func (c *RedisConsumer) ack(ctx context.Context, key, id string) {
	if err := c.client.XAck(ctx, key, c.group, id).Err(); err != nil && ctx.Err() == nil {
		slog.Error("stream ack failed", "id", id, "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

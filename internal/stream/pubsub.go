package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/metrics"
)

// PubSubPublisher publishes records to a Cloud Pub/Sub topic with the
// session id as ordering key, so per-session order survives fan-out to
// multiple consumer pods.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher connects to the topic, creating it when absent.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic: %w", err)
		}
		slog.Info("created pubsub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubPublisher{client: client, topic: topic}, nil
}

// Publish appends one record. The server result is checked off the hot
// path; the event is already durable, so a lost publish costs only async
// re-evaluation, which the inline hook already covered.
func (p *PubSubPublisher) Publish(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error {
	rec := Record{TenantID: tenantID, Event: *ev, PublishedAt: time.Now()}
	payload, err := json.Marshal(&rec)
	if err != nil {
		metrics.StreamPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal record: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"tenant_id":  tenantID,
			"session_id": ev.SessionID,
			"event_type": string(ev.EventType),
		},
		OrderingKey: ev.SessionID,
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			metrics.StreamPublished.WithLabelValues("error").Inc()
			slog.Error("pubsub publish failed", "event_id", ev.EventID, "error", err)
			// An ordering-key error pauses the key until resumed.
			p.topic.ResumePublish(ev.SessionID)
			return
		}
		metrics.StreamPublished.WithLabelValues("ok").Inc()
	}()
	return nil
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// PubSubConsumer drives the handler from a subscription. The subscription
// must have message ordering enabled to match the publisher.
type PubSubConsumer struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
}

func NewPubSubConsumer(ctx context.Context, projectID, topicID, subscriptionID string) (*PubSubConsumer, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription exists: %w", err)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
			Topic:                 client.Topic(topicID),
			AckDeadline:           30 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		slog.Info("created pubsub subscription", "subscription", subscriptionID)
	}

	return &PubSubConsumer{client: client, sub: sub}, nil
}

// Run receives until ctx is cancelled. Failed records are nacked for
// redelivery; evaluation is idempotent on event id, so redelivery after a
// partial failure is safe.
func (c *PubSubConsumer) Run(ctx context.Context, h Handler) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			slog.Warn("pubsub message unmarshal failed", "id", msg.ID, "error", err)
			msg.Ack()
			return
		}
		if err := h(ctx, &rec); err != nil {
			slog.Error("pubsub handler failed", "event_id", rec.Event.EventID, "error", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	c.client.Close()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return ctx.Err()
}

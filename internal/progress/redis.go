package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/cache"
	"github.com/redis/go-redis/v9"
)

// RedisBus publishes events on a per-job Redis channel so every server
// instance can stream progress for jobs serviced elsewhere.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		slog.ErrorContext(ctx, "encoding progress event", "job_id", e.JobID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, cache.ProgressChannel(e.JobID), payload).Err(); err != nil {
		slog.WarnContext(ctx, "publishing progress event", "job_id", e.JobID, "error", err)
	}
}

// Subscribe returns once the subscription is confirmed by the server, so no
// event published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, cache.ProgressChannel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to progress: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range msgs {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("decoding progress event", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- e:
			default:
				slog.Warn("progress subscriber full, dropping event", "job_id", e.JobID)
			}
		}
	}()

	return out, func() { pubsub.Close() }, nil
}

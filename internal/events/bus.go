package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agent-task-queue/internal/models"
)

// Bus fans stage events out to live subscribers over Redis pub/sub. The
// store stays the source of truth; the bus only powers streaming reads.
type Bus struct {
	client *redis.Client
}

// NewBus wraps an existing Redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func channelFor(jobID string) string {
	return "events:job:" + jobID
}

// Publish sends a stage event to subscribers of its job. Best effort: a
// publish failure never fails the write path that produced the event.
func (b *Bus) Publish(ctx context.Context, ev models.StageEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.JobID), payload).Err(); err != nil {
		return fmt.Errorf("publish stage event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of stage events for one job plus a close
// function. The channel closes when ctx is done or close is called.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan models.StageEvent, func(), error) {
	sub := b.client.Subscribe(ctx, channelFor(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan models.StageEvent, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev models.StageEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

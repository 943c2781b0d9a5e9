package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/p-n-ai/pai-course/internal/platform/cache"
)

// RedisHub fans events out through Redis pub/sub so a client connected to
// one server process sees events from sessions running in another.
type RedisHub struct {
	cache *cache.Cache
}

// NewRedisHub creates a hub on an existing cache connection.
func NewRedisHub(c *cache.Cache) *RedisHub {
	return &RedisHub{cache: c}
}

// Channel returns the pub/sub channel name for an attempt.
func Channel(attemptID string) string {
	return "attempt:" + attemptID
}

func (h *RedisHub) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	return h.cache.PublishJSON(ctx, Channel(event.AttemptID), event)
}

func (h *RedisHub) Subscribe(ctx context.Context, attemptID string) (<-chan Event, func(), error) {
	ps, err := h.cache.Subscribe(ctx, Channel(attemptID))
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event, subscriberBuffer)
	ctx, stop := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Warn("skipping malformed live event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, stop, nil
}

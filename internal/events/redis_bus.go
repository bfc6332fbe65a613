package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "mediaforge:events:"

// RedisBus distributes domain events across pods over Redis Pub/Sub.
// Delivery is at-most-once per pod; consumers that need durability read the
// database, not the bus.
type RedisBus struct {
	rdb *redis.Client
	log *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBus verifies connectivity and returns the bus. The caller decides
// whether to fall back to a LocalBus on error.
func NewRedisBus(ctx context.Context, rdb *redis.Client) (*RedisBus, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisBus{rdb: rdb, log: slog.With("component", "redis_bus")}, nil
}

func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, channelPrefix+string(event.Type), payload).Err()
}

func (b *RedisBus) Subscribe(eventType EventType, handler Handler) func() {
	ctx := context.Background()
	sub := b.rdb.Subscribe(ctx, channelPrefix+string(eventType))

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			handler(ctx, &event)
		}
	}()

	return func() { sub.Close() }
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	return nil
}

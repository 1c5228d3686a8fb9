package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces engine event channels in Redis.
const DefaultChannelPrefix = "fluxos:events:"

// RedisBus implements Publisher over Redis pub/sub so that events fan out
// to every worker process. Delivery is at-most-once per connected
// subscriber; the trigger worker's event lock provides processing
// deduplication on top.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithChannelPrefix overrides the channel namespace.
func WithChannelPrefix(prefix string) RedisBusOption {
	return func(b *RedisBus) {
		b.prefix = prefix
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) RedisBusOption {
	return func(b *RedisBus) {
		b.logger = logger
	}
}

// NewRedisBus creates a Redis-backed event bus.
func NewRedisBus(client redis.UniversalClient, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client: client,
		prefix: DefaultChannelPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish marshals the event and publishes it on its type channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	if err := b.client.Publish(ctx, b.prefix+string(event.Type), payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Subscribe returns a channel fed by a background receive loop. Use
// GlobalType to receive every engine event via pattern subscription.
func (b *RedisBus) Subscribe(eventType string) <-chan Event {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	var ps *redis.PubSub
	if eventType == GlobalType {
		ps = b.client.PSubscribe(ctx, b.prefix+"*")
	} else {
		ps = b.client.Subscribe(ctx, b.prefix+eventType)
	}

	out := make(chan Event, 100)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ps.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
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
	return out
}

// Unsubscribe is a no-op for the Redis bus; closing happens via Close.
// The per-subscription pub/sub connection is torn down when the bus
// closes or the process exits.
func (b *RedisBus) Unsubscribe(string, <-chan Event) {}

// Close cancels all subscription receive loops.
func (b *RedisBus) Close() {
	b.mu.Lock()
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

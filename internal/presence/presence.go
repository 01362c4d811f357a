// Package presence abstracts the shared pub/sub and key/set service that
// spans all server processes.
package presence

import "context"

// Handler receives a raw message published on a subscribed channel.
type Handler func(data []byte)

// Unsubscribe removes a single subscription made with Subscribe.
type Unsubscribe func()

// Presence is the cross-process coordination surface: pub/sub channels,
// atomic counters, set membership and key deletion. Implementations must
// provide atomic Incr/Decr; message delivery preserves per-publisher order.
type Presence interface {
	Subscribe(ctx context.Context, channel string, fn Handler) (Unsubscribe, error)
	Publish(ctx context.Context, channel string, data []byte) error

	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	Del(ctx context.Context, key string) error

	Close() error
}

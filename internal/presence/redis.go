package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is the production Presence backed by a shared Redis instance.
// Each Subscribe opens its own PubSub so unsubscribing one handler never
// disturbs another subscription on the same channel.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (p *Redis) Subscribe(ctx context.Context, channel string, fn Handler) (Unsubscribe, error) {
	ps := p.client.Subscribe(ctx, channel)
	// Receive the subscription confirmation before handing out messages so a
	// Publish issued right after Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for msg := range ps.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("channel", channel).Msg("unsubscribe failed")
		}
	}, nil
}

func (p *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	return p.client.Publish(ctx, channel, data).Err()
}

func (p *Redis) SAdd(ctx context.Context, set, member string) error {
	return p.client.SAdd(ctx, set, member).Err()
}

func (p *Redis) SRem(ctx context.Context, set, member string) error {
	// Removing an absent member is a no-op; only transport errors matter.
	if err := p.client.SRem(ctx, set, member).Err(); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("set", set).Msg("srem failed")
		return err
	}
	return nil
}

func (p *Redis) SMembers(ctx context.Context, set string) ([]string, error) {
	return p.client.SMembers(ctx, set).Result()
}

func (p *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return p.client.Incr(ctx, key).Result()
}

func (p *Redis) Decr(ctx context.Context, key string) (int64, error) {
	return p.client.Decr(ctx, key).Result()
}

func (p *Redis) Del(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("key", key).Msg("del failed")
		return err
	}
	return nil
}

func (p *Redis) Close() error {
	return p.client.Close()
}

package driver

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abhang-atish/colyseus/internal/domain"
)

const roomcachesKey = "roomcaches"

// Redis persists listings as JSON fields of a single hash keyed by room id.
// Save and Remove touch one field, which makes per-listing operations
// linearizable; Find fetches the whole hash and filters in process, so
// cross-listing reads may lag the owners slightly.
type Redis struct {
	client *redis.Client
}

func NewRedisDriver(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (d *Redis) CreateInstance(initial Listing) *Listing {
	l := initial.Clone()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	return l
}

func (d *Redis) Find(ctx context.Context, cond map[string]any) ([]*Listing, error) {
	rows, err := d.client.HGetAll(ctx, roomcachesKey).Result()
	if err != nil {
		return nil, err
	}
	var out []*Listing
	for _, raw := range rows {
		var l Listing
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		if l.Matches(cond) {
			out = append(out, &l)
		}
	}
	// HGetAll ordering is arbitrary; settle on creation order so FindOne
	// without a sort spec is deterministic.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *Redis) FindOne(ctx context.Context, cond map[string]any, sortBy []SortField) (*Listing, error) {
	matches, err := d.Find(ctx, cond)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	if len(sortBy) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			return Less(matches[i], matches[j], sortBy)
		})
	}
	return matches[0], nil
}

func (d *Redis) Save(ctx context.Context, listing *Listing) error {
	raw, err := json.Marshal(listing)
	if err != nil {
		return err
	}
	return d.client.HSet(ctx, roomcachesKey, string(listing.RoomID), raw).Err()
}

func (d *Redis) Remove(ctx context.Context, roomID domain.RoomID) error {
	return d.client.HDel(ctx, roomcachesKey, string(roomID)).Err()
}

func (d *Redis) Close() error {
	return d.client.Close()
}

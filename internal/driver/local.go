package driver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/abhang-atish/colyseus/internal/domain"
)

// Local keeps listings in process memory. Queries return clones, so the
// in-memory driver behaves like a remote registry: readers never observe
// the owner's mutations until the owner saves.
type Local struct {
	mu       sync.Mutex
	order    []domain.RoomID
	listings map[domain.RoomID]*Listing
}

func NewLocal() *Local {
	return &Local{listings: make(map[domain.RoomID]*Listing)}
}

func (d *Local) CreateInstance(initial Listing) *Listing {
	l := initial.Clone()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	return l
}

func (d *Local) Find(_ context.Context, cond map[string]any) ([]*Listing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Listing
	for _, id := range d.order {
		if l := d.listings[id]; l.Matches(cond) {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

func (d *Local) FindOne(ctx context.Context, cond map[string]any, sortBy []SortField) (*Listing, error) {
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

func (d *Local) Save(_ context.Context, listing *Listing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listings[listing.RoomID]; !ok {
		d.order = append(d.order, listing.RoomID)
	}
	d.listings[listing.RoomID] = listing.Clone()
	return nil
}

func (d *Local) Remove(_ context.Context, roomID domain.RoomID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.listings[roomID]; !ok {
		return nil
	}
	delete(d.listings, roomID)
	for i, id := range d.order {
		if id == roomID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

func (d *Local) Close() error { return nil }

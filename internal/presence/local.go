package presence

import (
	"context"
	"sync"
)

// Local is an in-process Presence for single-process deployments and tests.
// It is threadsafe; handlers run synchronously on the publisher's goroutine,
// which preserves per-publisher ordering.
type Local struct {
	mu       sync.Mutex
	nextID   int
	subs     map[string]map[int]Handler
	counters map[string]int64
	sets     map[string]map[string]struct{}
}

func NewLocal() *Local {
	return &Local{
		subs:     make(map[string]map[int]Handler),
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
	}
}

func (p *Local) Subscribe(_ context.Context, channel string, fn Handler) (Unsubscribe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[int]Handler)
	}
	p.subs[channel][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if hs, ok := p.subs[channel]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(p.subs, channel)
			}
		}
	}, nil
}

func (p *Local) Publish(_ context.Context, channel string, data []byte) error {
	p.mu.Lock()
	handlers := make([]Handler, 0, len(p.subs[channel]))
	for _, fn := range p.subs[channel] {
		handlers = append(handlers, fn)
	}
	p.mu.Unlock()

	// Deliver outside the lock so handlers may call back into the presence.
	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

func (p *Local) SAdd(_ context.Context, set, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sets[set] == nil {
		p.sets[set] = make(map[string]struct{})
	}
	p.sets[set][member] = struct{}{}
	return nil
}

func (p *Local) SRem(_ context.Context, set, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.sets[set]; ok {
		delete(m, member)
		if len(m) == 0 {
			delete(p.sets, set)
		}
	}
	return nil
}

func (p *Local) SMembers(_ context.Context, set string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := make([]string, 0, len(p.sets[set]))
	for m := range p.sets[set] {
		members = append(members, m)
	}
	return members, nil
}

func (p *Local) Incr(_ context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[key]++
	return p.counters[key], nil
}

func (p *Local) Decr(_ context.Context, key string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[key]--
	return p.counters[key], nil
}

func (p *Local) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, key)
	delete(p.sets, key)
	return nil
}

func (p *Local) Close() error { return nil }

// SubscriptionCount reports live subscriptions on a channel.
func (p *Local) SubscriptionCount(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[channel])
}

// ChannelCount reports how many channels have at least one subscriber.
func (p *Local) ChannelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

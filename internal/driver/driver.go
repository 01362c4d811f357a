// Package driver persists the fleet-wide index of room listings: one row
// per live room, readable by every process, mutated only by the owner.
package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/abhang-atish/colyseus/internal/domain"
)

// Listing is the registry row describing a live room. Fields carries the
// user-defined filter values projected from client join options; it is
// flattened into the JSON representation next to the fixed columns.
type Listing struct {
	RoomID     domain.RoomID
	Name       domain.RoomName
	ProcessID  domain.ProcessID
	Locked     bool
	Private    bool
	MaxClients int
	Clients    int
	CreatedAt  time.Time
	Fields     map[string]any
}

// SortField orders FindOne candidates; Desc sorts highest first.
type SortField struct {
	Field string
	Desc  bool
}

// Driver is the registry contract. Per-listing Save/Remove are linearizable;
// Find/FindOne may observe slightly stale data across listings.
// CreateInstance buffers the listing: it becomes visible to queries on the
// first Save.
type Driver interface {
	CreateInstance(initial Listing) *Listing
	Find(ctx context.Context, cond map[string]any) ([]*Listing, error)
	FindOne(ctx context.Context, cond map[string]any, sort []SortField) (*Listing, error)
	Save(ctx context.Context, listing *Listing) error
	Remove(ctx context.Context, roomID domain.RoomID) error
	Close() error
}

func (l *Listing) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(l.Fields)+8)
	for k, v := range l.Fields {
		m[k] = v
	}
	m["roomId"] = l.RoomID
	m["name"] = l.Name
	m["processId"] = l.ProcessID
	m["locked"] = l.Locked
	m["private"] = l.Private
	m["maxClients"] = l.MaxClients
	m["clients"] = l.Clients
	m["createdAt"] = l.CreatedAt
	return json.Marshal(m)
}

func (l *Listing) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		delete(m, key)
		return json.Unmarshal(raw, dst)
	}
	if err := take("roomId", &l.RoomID); err != nil {
		return err
	}
	if err := take("name", &l.Name); err != nil {
		return err
	}
	if err := take("processId", &l.ProcessID); err != nil {
		return err
	}
	if err := take("locked", &l.Locked); err != nil {
		return err
	}
	if err := take("private", &l.Private); err != nil {
		return err
	}
	if err := take("maxClients", &l.MaxClients); err != nil {
		return err
	}
	if err := take("clients", &l.Clients); err != nil {
		return err
	}
	if err := take("createdAt", &l.CreatedAt); err != nil {
		return err
	}
	if len(m) > 0 {
		l.Fields = make(map[string]any, len(m))
		for k, raw := range m {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			l.Fields[k] = v
		}
	}
	return nil
}

// Clone returns an independent copy, so query results never alias the
// owner's live row.
func (l *Listing) Clone() *Listing {
	c := *l
	if l.Fields != nil {
		c.Fields = make(map[string]any, len(l.Fields))
		for k, v := range l.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// value resolves a condition or sort key against fixed columns first,
// then the user filter fields.
func (l *Listing) value(key string) (any, bool) {
	switch key {
	case "roomId":
		return string(l.RoomID), true
	case "name":
		return string(l.Name), true
	case "processId":
		return string(l.ProcessID), true
	case "locked":
		return l.Locked, true
	case "private":
		return l.Private, true
	case "maxClients":
		return l.MaxClients, true
	case "clients":
		return l.Clients, true
	}
	v, ok := l.Fields[key]
	return v, ok
}

// Matches reports whether every condition holds on this listing.
func (l *Listing) Matches(cond map[string]any) bool {
	for key, want := range cond {
		got, ok := l.value(key)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// valueEqual compares loosely across numeric types: conditions built from
// decoded JSON carry float64 while listings carry int.
func valueEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case domain.RoomID:
		return valueEqual(string(av), b)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Less orders two listings under a sort spec; stable tie-break is left to
// the caller's sort.
func Less(a, b *Listing, sort []SortField) bool {
	for _, s := range sort {
		av, _ := a.value(s.Field)
		bv, _ := b.value(s.Field)
		cmp := compareValues(av, bv)
		if cmp == 0 {
			continue
		}
		if s.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
	}
	return 0
}

package matchmaker

import (
	"github.com/abhang-atish/colyseus/internal/driver"
	"github.com/abhang-atish/colyseus/internal/room"
)

// RoomMethod is a user method exposed to remote room calls, bound to the
// concrete room at creation.
type RoomMethod func(r *room.Room, args []any) (any, error)

// Handler is the per-room-type registration: the logic factory, default
// options, matchmaking query projections and extra remote methods.
type Handler struct {
	factory  func() room.Logic
	defaults map[string]any
	filterBy []string
	sortBy   []driver.SortField
	methods  map[string]RoomMethod
}

type HandlerOption func(*Handler)

// WithDefaultOptions merges fixed options over the client's on every
// OnCreate.
func WithDefaultOptions(defaults map[string]any) HandlerOption {
	return func(h *Handler) { h.defaults = defaults }
}

// FilterBy projects the named client options into listing filter fields,
// so matchmaking queries only match rooms created with the same values.
func FilterBy(keys ...string) HandlerOption {
	return func(h *Handler) { h.filterBy = keys }
}

// SortBy orders candidate rooms during room selection.
func SortBy(fields ...driver.SortField) HandlerOption {
	return func(h *Handler) { h.sortBy = fields }
}

// WithMethod exposes an extra remote method on every room of the type.
func WithMethod(name string, fn RoomMethod) HandlerOption {
	return func(h *Handler) {
		if h.methods == nil {
			h.methods = make(map[string]RoomMethod)
		}
		h.methods[name] = fn
	}
}

// filterOptions builds the filter-field projection of a client's join
// options.
func (h *Handler) filterOptions(opts map[string]any) map[string]any {
	fields := make(map[string]any, len(h.filterBy))
	for _, key := range h.filterBy {
		if v, ok := opts[key]; ok {
			fields[key] = v
		}
	}
	return fields
}

// mergedOptions overlays the handler defaults on the client options.
func (h *Handler) mergedOptions(opts map[string]any) map[string]any {
	merged := make(map[string]any, len(opts)+len(h.defaults))
	for k, v := range opts {
		merged[k] = v
	}
	for k, v := range h.defaults {
		merged[k] = v
	}
	return merged
}

// Package room holds the per-process live room handle: lifecycle state,
// seat reservations, connected clients and the dispatch tables used by
// remote room calls.
package room

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/abhang-atish/colyseus/internal/domain"
)

type State int

const (
	StateCreating State = iota
	StateCreated
	StateDisconnecting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

var (
	ErrSeatExpired   = errors.New("seat reservation expired")
	ErrRoomNotReady  = errors.New("room is not accepting clients")
	ErrBadTransition = errors.New("invalid room state transition")
)

// Connection abstracts the client transport endpoint. Owned by the
// adapter; the adapter must close it.
type Connection interface {
	TrySend(data []byte) error
	Close(code int, reason string)
}

// Client binds a session to its transport endpoint.
type Client struct {
	SessionID domain.SessionID
	Conn      Connection
}

// Logic is the authored behavior of a room type. OnCreate may adjust
// MaxClients and Private on the handle before the room starts accepting
// clients.
type Logic interface {
	OnCreate(r *Room, opts map[string]any) error
	OnJoin(r *Room, c *Client, opts map[string]any) error
	OnMessage(r *Room, c *Client, data []byte)
	OnLeave(r *Room, c *Client)
	OnDispose(r *Room)
}

// Events are the fixed lifecycle callback slots the matchmaker wires at
// creation. OnOccupancy reports the seat+client total after every change;
// the matchmaker mirrors it into the listing's client count.
type Events struct {
	OnLock      func()
	OnUnlock    func()
	OnJoined    func(sessionID domain.SessionID)
	OnLeft      func(sessionID domain.SessionID)
	OnOccupancy func(count int)
	OnDispose   func()
}

// MethodFunc serves one remotely callable room method.
type MethodFunc func(args []any) (any, error)

// PropertyFunc serves one remotely readable room attribute.
type PropertyFunc func() any

// PublishResult reports delivery stats and backpressure from Broadcast.
type PublishResult struct {
	SentTo  int
	Dropped []*Client
}

type seat struct {
	opts  map[string]any
	timer *time.Timer
}

// Room is threadsafe. Lifecycle callbacks and user logic run outside the
// internal lock, so they may call back into the room.
type Room struct {
	ID        domain.RoomID
	Name      domain.RoomName
	ProcessID domain.ProcessID
	Logic     Logic

	// Set by OnCreate before the room transitions to created.
	MaxClients  int
	Private     bool
	AutoDispose bool

	seatTTL time.Duration

	mu         sync.Mutex
	state      State
	locked     bool
	autoLocked bool
	seats      map[domain.SessionID]*seat
	clients    map[domain.SessionID]*Client
	events     Events
	methods    map[string]MethodFunc
	props      map[string]PropertyFunc
}

func New(id domain.RoomID, name domain.RoomName, processID domain.ProcessID, logic Logic, seatTTL time.Duration) *Room {
	r := &Room{
		ID:          id,
		Name:        name,
		ProcessID:   processID,
		Logic:       logic,
		MaxClients:  math.MaxInt32,
		AutoDispose: true,
		seatTTL:     seatTTL,
		state:       StateCreating,
		seats:       make(map[domain.SessionID]*seat),
		clients:     make(map[domain.SessionID]*Client),
		methods:     make(map[string]MethodFunc),
		props:       make(map[string]PropertyFunc),
	}
	r.registerBuiltins()
	return r
}

func (r *Room) registerBuiltins() {
	r.methods["_reserveSeat"] = func(args []any) (any, error) {
		if len(args) < 1 {
			return nil, errors.New("_reserveSeat: missing sessionId")
		}
		sid, ok := args[0].(string)
		if !ok {
			return nil, errors.New("_reserveSeat: sessionId must be a string")
		}
		var opts map[string]any
		if len(args) > 1 {
			opts, _ = args[1].(map[string]any)
		}
		return r.ReserveSeat(domain.SessionID(sid), opts), nil
	}
	r.methods["hasReservedSeat"] = func(args []any) (any, error) {
		if len(args) < 1 {
			return nil, errors.New("hasReservedSeat: missing sessionId")
		}
		sid, ok := args[0].(string)
		if !ok {
			return nil, errors.New("hasReservedSeat: sessionId must be a string")
		}
		return r.HasReservedSeat(domain.SessionID(sid)), nil
	}

	r.props["roomId"] = func() any { return string(r.ID) }
	r.props["name"] = func() any { return string(r.Name) }
	r.props["processId"] = func() any { return string(r.ProcessID) }
	r.props["maxClients"] = func() any { return r.MaxClients }
	r.props["clients"] = func() any { return r.Occupancy() }
	r.props["locked"] = func() any { return r.Locked() }
	r.props["private"] = func() any { return r.Private }
}

// RegisterMethod exposes a user method to remote room calls.
func (r *Room) RegisterMethod(name string, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

// RegisterProperty exposes a user attribute to remote room calls.
func (r *Room) RegisterProperty(name string, fn PropertyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[name] = fn
}

// Dispatch resolves a remote call: a known method is always invoked; a
// call without args falls back to the property table.
func (r *Room) Dispatch(name string, args []any, hasArgs bool) (any, error) {
	r.mu.Lock()
	m, isMethod := r.methods[name]
	p, isProp := r.props[name]
	r.mu.Unlock()

	if isMethod {
		return m(args)
	}
	if !hasArgs && isProp {
		return p(), nil
	}
	return nil, fmt.Errorf("room %s has no method or property %q", r.ID, name)
}

// SetEvents installs the lifecycle slots. Called once by the matchmaker
// before the room is published.
func (r *Room) SetEvents(ev Events) {
	r.mu.Lock()
	r.events = ev
	r.mu.Unlock()
}

// MarkCreated transitions creating → created.
func (r *Room) MarkCreated() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreating {
		return fmt.Errorf("%w: %s → created", ErrBadTransition, r.state)
	}
	r.state = StateCreated
	return nil
}

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Occupancy counts reserved seats plus connected clients.
func (r *Room) Occupancy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seats) + len(r.clients)
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ReserveSeat records a short-lived promise to accept the session on its
// next join. Idempotent per session; returns false when the room cannot
// take the seat. A seat never consumed is released after the TTL.
func (r *Room) ReserveSeat(sessionID domain.SessionID, opts map[string]any) bool {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return false
	}
	if s, ok := r.seats[sessionID]; ok {
		s.timer.Reset(r.seatTTL)
		r.mu.Unlock()
		return true
	}
	if r.locked || len(r.seats)+len(r.clients) >= r.MaxClients {
		r.mu.Unlock()
		return false
	}
	r.seats[sessionID] = &seat{
		opts: opts,
		timer: time.AfterFunc(r.seatTTL, func() {
			r.expireSeat(sessionID)
		}),
	}
	occ := len(r.seats) + len(r.clients)
	full := occ >= r.MaxClients
	if full {
		r.locked = true
		r.autoLocked = true
	}
	ev := r.events
	r.mu.Unlock()

	fire(ev.OnOccupancy, occ)
	if full {
		fireSimple(ev.OnLock)
	}
	return true
}

func (r *Room) HasReservedSeat(sessionID domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seats[sessionID]
	return ok
}

func (r *Room) expireSeat(sessionID domain.SessionID) {
	r.mu.Lock()
	if _, ok := r.seats[sessionID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.seats, sessionID)
	occ, unlocked := r.releaseLocked()
	ev := r.events
	r.mu.Unlock()

	log.Debug().Str("module", "room").Str("room", string(r.ID)).Str("sid", string(sessionID)).Msg("seat reservation expired")
	fire(ev.OnOccupancy, occ)
	if unlocked {
		fireSimple(ev.OnUnlock)
	}
}

// releaseLocked recomputes occupancy after a seat or client was removed
// and clears an automatic lock when capacity frees up. Caller holds mu.
func (r *Room) releaseLocked() (occ int, unlocked bool) {
	occ = len(r.seats) + len(r.clients)
	if r.autoLocked && r.locked && occ < r.MaxClients {
		r.locked = false
		r.autoLocked = false
		unlocked = true
	}
	return occ, unlocked
}

// Join consumes the session's seat reservation and runs user OnJoin. The
// seat's join options, captured at reservation time, are handed to the
// logic.
func (r *Room) Join(c *Client) error {
	r.mu.Lock()
	if r.state != StateCreated {
		r.mu.Unlock()
		return ErrRoomNotReady
	}
	s, ok := r.seats[c.SessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSeatExpired
	}
	s.timer.Stop()
	delete(r.seats, c.SessionID)
	r.clients[c.SessionID] = c
	opts := s.opts
	ev := r.events
	r.mu.Unlock()

	if err := r.Logic.OnJoin(r, c, opts); err != nil {
		r.mu.Lock()
		delete(r.clients, c.SessionID)
		occ, unlocked := r.releaseLocked()
		r.mu.Unlock()
		fire(ev.OnOccupancy, occ)
		if unlocked {
			fireSimple(ev.OnUnlock)
		}
		return err
	}

	fire(ev.OnJoined, c.SessionID)
	return nil
}

// HandleMessage routes an inbound client frame to the room logic.
func (r *Room) HandleMessage(sessionID domain.SessionID, data []byte) {
	r.mu.Lock()
	c, ok := r.clients[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.Logic.OnMessage(r, c, data)
}

// Leave removes a connected client, releasing its capacity. The last
// client leaving an auto-dispose room tears the room down.
func (r *Room) Leave(sessionID domain.SessionID) {
	r.mu.Lock()
	c, ok := r.clients[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, sessionID)
	occ, unlocked := r.releaseLocked()
	disposeNow := r.AutoDispose && occ == 0 && r.state == StateCreated
	ev := r.events
	r.mu.Unlock()

	r.Logic.OnLeave(r, c)
	fire(ev.OnLeft, sessionID)
	fire(ev.OnOccupancy, occ)
	if unlocked {
		fireSimple(ev.OnUnlock)
	}
	if disposeNow {
		r.Dispose()
	}
}

// Lock makes the room ineligible for matchmaking until unlocked.
func (r *Room) Lock() {
	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		return
	}
	r.locked = true
	r.autoLocked = false
	ev := r.events
	r.mu.Unlock()
	fireSimple(ev.OnLock)
}

func (r *Room) Unlock() {
	r.mu.Lock()
	if !r.locked {
		r.mu.Unlock()
		return
	}
	r.locked = false
	r.autoLocked = false
	ev := r.events
	r.mu.Unlock()
	fireSimple(ev.OnUnlock)
}

// Broadcast fans a frame out to every connected client except the sender.
func (r *Room) Broadcast(from domain.SessionID, data []byte) PublishResult {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for sid, c := range r.clients {
		if sid == from {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	res := PublishResult{}
	for _, c := range targets {
		if err := c.Conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, c)
			continue
		}
		res.SentTo++
	}
	return res
}

// Disconnect gracefully drains the room: every client is forced to leave,
// then the room disposes. Safe to call once; a second call is a no-op.
func (r *Room) Disconnect(closeCode int) error {
	r.mu.Lock()
	if r.state == StateDisconnecting || r.state == StateDisposed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateDisconnecting
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[domain.SessionID]*Client)
	ev := r.events
	r.mu.Unlock()

	for _, c := range clients {
		r.Logic.OnLeave(r, c)
		fire(ev.OnLeft, c.SessionID)
		c.Conn.Close(closeCode, "server shutting down")
	}
	r.Dispose()
	return nil
}

// Dispose ends the room's life. Seat timers stop, the logic's OnDispose
// runs, and the matchmaker's dispose slot fires last.
func (r *Room) Dispose() {
	r.mu.Lock()
	if r.state == StateDisposed {
		r.mu.Unlock()
		return
	}
	r.state = StateDisposed
	for _, s := range r.seats {
		s.timer.Stop()
	}
	r.seats = make(map[domain.SessionID]*seat)
	ev := r.events
	r.mu.Unlock()

	r.Logic.OnDispose(r)
	fireSimple(ev.OnDispose)
}

func fireSimple(fn func()) {
	if fn != nil {
		fn()
	}
}

func fire[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}

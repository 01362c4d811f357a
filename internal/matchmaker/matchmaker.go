// Package matchmaker selects or creates rooms for joining clients,
// reserves their seats and hands them off to the owning process.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/abhang-atish/colyseus/internal/domain"
	"github.com/abhang-atish/colyseus/internal/driver"
	"github.com/abhang-atish/colyseus/internal/presence"
	"github.com/abhang-atish/colyseus/internal/room"
)

// seatReservationAttempts bounds joinOrCreate/join retries on seat races.
const seatReservationAttempts = 5

// Admission gate staggering: concurrency × step, capped.
const (
	admissionStep    = 100 * time.Millisecond
	admissionMaxWait = 2 * time.Second
)

// Options tune per-deployment behavior; zero values pick the defaults.
type Options struct {
	// SeatReservationTTL bounds how long an unconsumed seat holds capacity.
	SeatReservationTTL time.Duration
	// RemoteCallTimeout is the default remote room call deadline.
	RemoteCallTimeout time.Duration
}

const (
	defaultSeatReservationTTL = 8 * time.Second
	defaultRemoteCallTimeout  = 2 * time.Second
)

// SeatReservation is the successful matchmaking outcome handed back to
// the client: the room's listing and the fresh session id that its next
// join must carry.
type SeatReservation struct {
	Room      *driver.Listing  `json:"room"`
	SessionID domain.SessionID `json:"sessionId"`
}

// MatchMaker owns the room handles of this process and the handler
// registrations, and coordinates with the rest of the fleet through the
// presence and the registry driver.
type MatchMaker struct {
	ProcessID domain.ProcessID

	presence presence.Presence
	driver   driver.Driver

	seatTTL           time.Duration
	remoteCallTimeout time.Duration

	mu           sync.Mutex
	handlers     map[domain.RoomName]*Handler
	localRooms   map[domain.RoomID]*room.Room
	unsubscribes map[domain.RoomID]presence.Unsubscribe
	shuttingDown bool
}

func New(processID domain.ProcessID, p presence.Presence, d driver.Driver, opts Options) *MatchMaker {
	if opts.SeatReservationTTL <= 0 {
		opts.SeatReservationTTL = defaultSeatReservationTTL
	}
	if opts.RemoteCallTimeout <= 0 {
		opts.RemoteCallTimeout = defaultRemoteCallTimeout
	}
	return &MatchMaker{
		ProcessID:         processID,
		presence:          p,
		driver:            d,
		seatTTL:           opts.SeatReservationTTL,
		remoteCallTimeout: opts.RemoteCallTimeout,
		handlers:          make(map[domain.RoomName]*Handler),
		localRooms:        make(map[domain.RoomID]*room.Room),
		unsubscribes:      make(map[domain.RoomID]presence.Unsubscribe),
	}
}

// Define registers the handler for a room type, replacing any previous
// registration, and reaps stale listings left behind by dead processes.
func (m *MatchMaker) Define(name domain.RoomName, factory func() room.Logic, opts ...HandlerOption) *Handler {
	h := &Handler{factory: factory}
	for _, opt := range opts {
		opt(h)
	}
	m.mu.Lock()
	m.handlers[name] = h
	m.mu.Unlock()

	m.CleanupStaleRooms(context.Background(), name)
	log.Info().Str("module", "matchmaker").Str("type", string(name)).Msg("room type defined")
	return h
}

func (m *MatchMaker) handler(name domain.RoomName) *Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[name]
}

// LocalRoom resolves a room id to the handle owned by this process.
func (m *MatchMaker) LocalRoom(roomID domain.RoomID) (*room.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.localRooms[roomID]
	return r, ok
}

// LocalRoomCount reports how many rooms this process currently owns.
func (m *MatchMaker) LocalRoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.localRooms)
}

func (m *MatchMaker) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// InvokeExposed dispatches a transport matchmake request. Only the four
// exposed methods are reachable from the wire.
func (m *MatchMaker) InvokeExposed(ctx context.Context, method, name string, opts map[string]any) (*SeatReservation, error) {
	if m.isShuttingDown() {
		return nil, NewError(CodeUnhandled, "server is shutting down")
	}
	switch method {
	case "joinOrCreate":
		return m.JoinOrCreate(ctx, domain.RoomName(name), opts)
	case "create":
		return m.Create(ctx, domain.RoomName(name), opts)
	case "join":
		return m.Join(ctx, domain.RoomName(name), opts)
	case "joinById":
		return m.JoinByID(ctx, domain.RoomID(name), opts)
	}
	return nil, NewError(CodeUnhandled, "matchmake method %q is not exposed", method)
}

// JoinOrCreate finds a suitable room or creates one, then reserves a
// seat. Seat-reservation races retry a bounded number of times; every
// other failure aborts.
func (m *MatchMaker) JoinOrCreate(ctx context.Context, name domain.RoomName, opts map[string]any) (*SeatReservation, error) {
	var lastErr error
	for attempt := 0; attempt < seatReservationAttempts; attempt++ {
		listing, err := m.queryRoom(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		if listing == nil {
			listing, err = m.createRoom(ctx, name, opts)
			if err != nil {
				return nil, err
			}
		}
		res, err := m.reserveSeatFor(ctx, listing, opts)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrSeatReservation) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Create unconditionally creates a new room of a registered type and
// reserves a seat in it.
func (m *MatchMaker) Create(ctx context.Context, name domain.RoomName, opts map[string]any) (*SeatReservation, error) {
	if m.handler(name) == nil {
		return nil, NewError(CodeNoHandler, `no available handler for "%s"`, name)
	}
	listing, err := m.createRoom(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return m.reserveSeatFor(ctx, listing, opts)
}

// Join reserves a seat in an existing room only; no room matching the
// criteria is a terminal failure.
func (m *MatchMaker) Join(ctx context.Context, name domain.RoomName, opts map[string]any) (*SeatReservation, error) {
	var lastErr error
	for attempt := 0; attempt < seatReservationAttempts; attempt++ {
		listing, err := m.queryRoom(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		if listing == nil {
			return nil, NewError(CodeInvalidCriteria, `no rooms found with provided criteria for "%s"`, name)
		}
		res, err := m.reserveSeatFor(ctx, listing, opts)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrSeatReservation) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// JoinByID targets one specific room. With a sessionId option it is a
// rejoin against an existing seat reservation; otherwise a fresh seat is
// reserved when the room is unlocked.
func (m *MatchMaker) JoinByID(ctx context.Context, roomID domain.RoomID, opts map[string]any) (*SeatReservation, error) {
	listing, err := m.driver.FindOne(ctx, map[string]any{"roomId": string(roomID)}, nil)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, NewError(CodeInvalidRoomID, `room "%s" not found`, roomID)
	}

	if sid, ok := opts["sessionId"].(string); ok && sid != "" {
		_, v, err := m.RemoteRoomCall(ctx, roomID, "hasReservedSeat", []any{sid}, 0)
		if err != nil {
			return nil, err
		}
		if reserved, _ := v.(bool); reserved {
			return &SeatReservation{Room: listing, SessionID: domain.SessionID(sid)}, nil
		}
		return nil, NewError(CodeExpired, `session "%s" has expired in room "%s"`, sid, roomID)
	}

	if listing.Locked {
		return nil, NewError(CodeInvalidRoomID, `room "%s" is locked`, roomID)
	}
	return m.reserveSeatFor(ctx, listing, opts)
}

// Query lists public rooms matching the conditions. Locked rooms are not
// filtered out here; locking only hides rooms from matchmaking.
func (m *MatchMaker) Query(ctx context.Context, name domain.RoomName, cond map[string]any) ([]*driver.Listing, error) {
	q := make(map[string]any, len(cond)+2)
	for k, v := range cond {
		q[k] = v
	}
	q["private"] = false
	if name != "" {
		q["name"] = string(name)
	}
	return m.driver.Find(ctx, q)
}

// queryRoom selects the destination room for join/joinOrCreate under the
// admission gate.
func (m *MatchMaker) queryRoom(ctx context.Context, name domain.RoomName, opts map[string]any) (*driver.Listing, error) {
	var listing *driver.Listing
	err := m.awaitRoomAvailable(ctx, name, func() error {
		h := m.handler(name)
		if h == nil {
			return NewError(CodeNoHandler, `no available handler for "%s"`, name)
		}
		cond := h.filterOptions(opts)
		cond["locked"] = false
		cond["name"] = string(name)
		found, err := m.driver.FindOne(ctx, cond, h.sortBy)
		listing = found
		return err
	})
	return listing, err
}

// awaitRoomAvailable staggers near-simultaneous admissions on a room
// type: an arrival that finds n others in flight waits n×100ms (capped at
// 2s; the first arrival does not wait) so its
// query observes the seats reserved by earlier arrivals instead of racing
// them into fresh rooms.
func (m *MatchMaker) awaitRoomAvailable(ctx context.Context, name domain.RoomName, fn func() error) error {
	key := concurrencyKey(name)
	v, err := m.presence.Incr(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if _, err := m.presence.Decr(context.Background(), key); err != nil {
			log.Warn().Err(err).Str("module", "matchmaker").Str("key", key).Msg("admission counter decr failed")
		}
	}()

	if concurrency := v - 1; concurrency > 0 {
		delay := time.Duration(concurrency) * admissionStep
		if delay > admissionMaxWait {
			delay = admissionMaxWait
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn()
}

func concurrencyKey(name domain.RoomName) string {
	return string(name) + ":c"
}

// reserveSeatFor asks the owning process for a seat under a fresh session
// id. A refused seat surfaces as ErrSeatReservation so callers can retry
// against another room.
func (m *MatchMaker) reserveSeatFor(ctx context.Context, listing *driver.Listing, opts map[string]any) (*SeatReservation, error) {
	sessionID := domain.NewSessionID()
	_, v, err := m.RemoteRoomCall(ctx, listing.RoomID, "_reserveSeat", []any{string(sessionID), opts}, 0)
	if err != nil {
		return nil, err
	}
	if granted, _ := v.(bool); !granted {
		return nil, fmt.Errorf("%w: room %s", ErrSeatReservation, listing.RoomID)
	}
	log.Debug().Str("module", "matchmaker").Str("room", string(listing.RoomID)).Str("sid", string(sessionID)).Msg("seat reserved")
	return &SeatReservation{Room: listing, SessionID: sessionID}, nil
}

// createRoom instantiates a room of the type on this process, publishes
// its listing and subscribes its call channel.
func (m *MatchMaker) createRoom(ctx context.Context, name domain.RoomName, clientOpts map[string]any) (*driver.Listing, error) {
	h := m.handler(name)
	if h == nil {
		return nil, NewError(CodeNoHandler, `no available handler for "%s"`, name)
	}

	roomID := domain.NewRoomID()
	r := room.New(roomID, name, m.ProcessID, h.factory(), m.seatTTL)
	for mname, fn := range h.methods {
		fn := fn
		r.RegisterMethod(mname, func(args []any) (any, error) {
			return fn(r, args)
		})
	}

	listing := m.driver.CreateInstance(driver.Listing{
		RoomID:    roomID,
		Name:      name,
		ProcessID: m.ProcessID,
		Fields:    h.filterOptions(clientOpts),
	})

	if err := r.Logic.OnCreate(r, h.mergedOptions(clientOpts)); err != nil {
		return nil, NewError(CodeUnhandled, "onCreate: %s", err.Error())
	}
	if err := r.MarkCreated(); err != nil {
		return nil, err
	}
	listing.MaxClients = r.MaxClients
	listing.Private = r.Private

	m.wireEvents(r, listing)
	if err := m.createRoomReferences(ctx, r); err != nil {
		return nil, err
	}
	if err := m.driver.Save(ctx, listing); err != nil {
		r.Dispose()
		return nil, err
	}

	log.Info().Str("module", "matchmaker").Str("type", string(name)).Str("room", string(roomID)).Msg("room created")
	return listing, nil
}

// wireEvents installs the lifecycle slots that keep the room's listing
// and set membership in sync with the handle.
func (m *MatchMaker) wireEvents(r *room.Room, listing *driver.Listing) {
	var lmu sync.Mutex
	save := func(mutate func()) {
		lmu.Lock()
		mutate()
		err := m.driver.Save(context.Background(), listing)
		lmu.Unlock()
		if err != nil {
			log.Error().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("listing save failed")
		}
	}

	r.SetEvents(room.Events{
		OnLock: func() {
			save(func() { listing.Locked = true })
			if err := m.presence.SRem(context.Background(), string(r.Name), string(r.ID)); err != nil {
				log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("set removal failed")
			}
			log.Debug().Str("module", "matchmaker").Str("room", string(r.ID)).Msg("room locked")
		},
		OnUnlock: func() {
			save(func() { listing.Locked = false })
			if err := m.presence.SAdd(context.Background(), string(r.Name), string(r.ID)); err != nil {
				log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("set restore failed")
			}
			log.Debug().Str("module", "matchmaker").Str("room", string(r.ID)).Msg("room unlocked")
		},
		OnOccupancy: func(count int) {
			save(func() { listing.Clients = count })
		},
		OnJoined: func(sid domain.SessionID) {
			log.Debug().Str("module", "matchmaker").Str("room", string(r.ID)).Str("sid", string(sid)).Msg("client joined")
		},
		OnLeft: func(sid domain.SessionID) {
			log.Debug().Str("module", "matchmaker").Str("room", string(r.ID)).Str("sid", string(sid)).Msg("client left")
		},
		OnDispose: func() {
			m.disposeRoom(r)
		},
	})
}

// createRoomReferences stores the local handle, adds the room to its
// type's presence set and subscribes the remote-call channel.
func (m *MatchMaker) createRoomReferences(ctx context.Context, r *room.Room) error {
	m.mu.Lock()
	m.localRooms[r.ID] = r
	m.mu.Unlock()

	if err := m.presence.SAdd(ctx, string(r.Name), string(r.ID)); err != nil {
		return err
	}
	unsubscribe, err := m.presence.Subscribe(ctx, roomChannel(r.ID), func(data []byte) {
		m.handleRoomMessage(r, data)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unsubscribes[r.ID] = unsubscribe
	m.mu.Unlock()
	return nil
}

// disposeRoom tears down everything the fleet knows about a room: the
// listing, the admission counter, the set membership, the call channel
// subscription and the local handle.
func (m *MatchMaker) disposeRoom(r *room.Room) {
	ctx := context.Background()
	if err := m.driver.Remove(ctx, r.ID); err != nil {
		log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("listing removal failed")
	}
	if err := m.presence.Del(ctx, concurrencyKey(r.Name)); err != nil {
		log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("counter delete failed")
	}
	if err := m.presence.SRem(ctx, string(r.Name), string(r.ID)); err != nil {
		log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("set removal failed")
	}

	m.mu.Lock()
	unsubscribe := m.unsubscribes[r.ID]
	delete(m.unsubscribes, r.ID)
	delete(m.localRooms, r.ID)
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	log.Info().Str("module", "matchmaker").Str("room", string(r.ID)).Msg("room disposed")
}

// CleanupStaleRooms reaps listings whose owning process no longer
// answers: a remote read of a trivial property that times out marks the
// owner dead. Timeouts are the signal here, not a failure.
func (m *MatchMaker) CleanupStaleRooms(ctx context.Context, name domain.RoomName) {
	listings, err := m.driver.Find(ctx, map[string]any{"name": string(name)})
	if err != nil {
		log.Warn().Err(err).Str("module", "matchmaker").Str("type", string(name)).Msg("stale cleanup query failed")
		return
	}
	for _, listing := range listings {
		_, _, err := m.RemoteRoomCall(ctx, listing.RoomID, "roomId", nil, m.remoteCallTimeout)
		var timeout *RemoteCallTimeoutError
		if !errors.As(err, &timeout) {
			continue
		}
		if err := m.driver.Remove(ctx, listing.RoomID); err != nil {
			log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(listing.RoomID)).Msg("stale listing removal failed")
			continue
		}
		_ = m.presence.SRem(ctx, string(name), string(listing.RoomID))
		log.Info().Str("module", "matchmaker").Str("room", string(listing.RoomID)).Str("type", string(name)).Msg("removed stale room")
	}
	if err := m.presence.Del(ctx, concurrencyKey(name)); err != nil {
		log.Warn().Err(err).Str("module", "matchmaker").Str("type", string(name)).Msg("counter delete failed")
	}
}

// GracefulShutdown disconnects every local room in parallel and returns
// once all of them disposed. Every call after the first, whether
// concurrent or after completion, is rejected.
func (m *MatchMaker) GracefulShutdown(closeCode int) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShutdownInProgress
	}
	m.shuttingDown = true
	rooms := make([]*room.Room, 0, len(m.localRooms))
	for _, r := range m.localRooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *room.Room) {
			defer wg.Done()
			if err := r.Disconnect(closeCode); err != nil {
				log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("disconnect failed")
			}
		}(r)
	}
	wg.Wait()
	log.Info().Str("module", "matchmaker").Int("rooms", len(rooms)).Msg("graceful shutdown complete")
	return nil
}

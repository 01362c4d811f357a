package matchmaker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/abhang-atish/colyseus/internal/domain"
	"github.com/abhang-atish/colyseus/internal/driver"
	"github.com/abhang-atish/colyseus/internal/presence"
	"github.com/abhang-atish/colyseus/internal/room"
)

type testLogic struct {
	maxClients int
	private    bool
	createErr  error
}

func (l *testLogic) OnCreate(r *room.Room, _ map[string]any) error {
	if l.createErr != nil {
		return l.createErr
	}
	if l.maxClients > 0 {
		r.MaxClients = l.maxClients
	}
	r.Private = l.private
	return nil
}

func (l *testLogic) OnJoin(_ *room.Room, _ *room.Client, _ map[string]any) error { return nil }
func (l *testLogic) OnMessage(_ *room.Room, _ *room.Client, _ []byte)            {}
func (l *testLogic) OnLeave(_ *room.Room, _ *room.Client)                        {}
func (l *testLogic) OnDispose(_ *room.Room)                                      {}

type fixture struct {
	presence *presence.Local
	driver   *driver.Local
}

func newFixture() *fixture {
	return &fixture{presence: presence.NewLocal(), driver: driver.NewLocal()}
}

func (f *fixture) matchmaker(opts Options) *MatchMaker {
	if opts.RemoteCallTimeout == 0 {
		opts.RemoteCallTimeout = 100 * time.Millisecond
	}
	return New(domain.NewProcessID(), f.presence, f.driver, opts)
}

func wantCode(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error code %d, got nil", code)
	}
	if got := ErrorCode(err); got != code {
		t.Fatalf("error code = %d (%v), want %d", got, err, code)
	}
}

func TestJoinOrCreateCreatesRoom(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	res, err := mm.JoinOrCreate(context.Background(), "chat", map[string]any{})
	if err != nil {
		t.Fatalf("joinOrCreate error: %v", err)
	}
	if res.Room.RoomID == "" || res.SessionID == "" {
		t.Fatalf("incomplete reservation: %+v", res)
	}
	if _, ok := mm.LocalRoom(res.Room.RoomID); !ok {
		t.Fatalf("room not registered locally")
	}
	listing, _ := f.driver.FindOne(context.Background(), map[string]any{"roomId": string(res.Room.RoomID)}, nil)
	if listing == nil {
		t.Fatalf("listing not persisted")
	}
	if listing.ProcessID != mm.ProcessID {
		t.Fatalf("listing process = %s, want %s", listing.ProcessID, mm.ProcessID)
	}
}

func TestJoinOrCreateReusesRoomWithFreshSession(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	first, err := mm.JoinOrCreate(context.Background(), "chat", map[string]any{})
	if err != nil {
		t.Fatalf("first joinOrCreate: %v", err)
	}
	second, err := mm.JoinOrCreate(context.Background(), "chat", map[string]any{})
	if err != nil {
		t.Fatalf("second joinOrCreate: %v", err)
	}
	if second.Room.RoomID != first.Room.RoomID {
		t.Fatalf("second call created a new room")
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("session id reused")
	}
}

func TestJoinOrCreateSpillsToNewRoomWhenFull(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{maxClients: 2} })

	ctx := context.Background()
	first, _ := mm.JoinOrCreate(ctx, "chat", map[string]any{})
	second, _ := mm.JoinOrCreate(ctx, "chat", map[string]any{})
	if first.Room.RoomID != second.Room.RoomID {
		t.Fatalf("second reservation did not reuse the room")
	}

	// The room is now full and auto-locked; its listing must say so.
	listing, _ := f.driver.FindOne(ctx, map[string]any{"roomId": string(first.Room.RoomID)}, nil)
	if !listing.Locked {
		t.Fatalf("full room listing not locked")
	}
	members, _ := f.presence.SMembers(ctx, "chat")
	for _, m := range members {
		if m == string(first.Room.RoomID) {
			t.Fatalf("locked room still in matchmaking set")
		}
	}

	third, err := mm.JoinOrCreate(ctx, "chat", map[string]any{})
	if err != nil {
		t.Fatalf("third joinOrCreate: %v", err)
	}
	if third.Room.RoomID == first.Room.RoomID {
		t.Fatalf("locked room selected again")
	}
}

func TestCreateRequiresHandler(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	_, err := mm.Create(context.Background(), "ghost", map[string]any{})
	wantCode(t, err, CodeNoHandler)
}

func TestCreateAlwaysMakesNewRoom(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	ctx := context.Background()
	a, err := mm.Create(ctx, "chat", map[string]any{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := mm.Create(ctx, "chat", map[string]any{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Room.RoomID == b.Room.RoomID {
		t.Fatalf("create reused an existing room")
	}
}

func TestJoinRequiresExistingRoom(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	ctx := context.Background()
	_, err := mm.Join(ctx, "chat", map[string]any{})
	wantCode(t, err, CodeInvalidCriteria)

	created, _ := mm.Create(ctx, "chat", map[string]any{})
	res, err := mm.Join(ctx, "chat", map[string]any{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res.Room.RoomID != created.Room.RoomID {
		t.Fatalf("join picked a different room")
	}
}

func TestJoinByIDUnknownRoom(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	_, err := mm.JoinByID(context.Background(), "does-not-exist", map[string]any{})
	wantCode(t, err, CodeInvalidRoomID)
}

func TestJoinByIDLockedRoom(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("duel", func() room.Logic { return &testLogic{maxClients: 1} })

	res, err := mm.Create(context.Background(), "duel", map[string]any{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The single seat locked the room.
	_, err = mm.JoinByID(context.Background(), res.Room.RoomID, map[string]any{})
	wantCode(t, err, CodeInvalidRoomID)
}

func TestJoinByIDFreshSeat(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	created, _ := mm.Create(context.Background(), "chat", map[string]any{})
	res, err := mm.JoinByID(context.Background(), created.Room.RoomID, map[string]any{})
	if err != nil {
		t.Fatalf("joinById: %v", err)
	}
	if res.SessionID == created.SessionID {
		t.Fatalf("fresh seat reused the session id")
	}
}

func TestJoinByIDRejoin(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	created, _ := mm.Create(context.Background(), "chat", map[string]any{})
	res, err := mm.JoinByID(context.Background(), created.Room.RoomID, map[string]any{
		"sessionId": string(created.SessionID),
	})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if res.SessionID != created.SessionID {
		t.Fatalf("rejoin changed the session id")
	}
}

func TestJoinByIDExpiredSession(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{SeatReservationTTL: 30 * time.Millisecond})
	mm.Define("chat", func() room.Logic { return &testLogic{maxClients: 4} })

	created, _ := mm.Create(context.Background(), "chat", map[string]any{})
	time.Sleep(80 * time.Millisecond)

	_, err := mm.JoinByID(context.Background(), created.Room.RoomID, map[string]any{
		"sessionId": string(created.SessionID),
	})
	wantCode(t, err, CodeExpired)

	// The expired seat freed its capacity in the listing.
	listing, _ := f.driver.FindOne(context.Background(), map[string]any{"roomId": string(created.Room.RoomID)}, nil)
	if listing.Clients != 0 {
		t.Fatalf("listing clients = %d after expiry, want 0", listing.Clients)
	}
}

func TestRemoteCallAcrossProcesses(t *testing.T) {
	f := newFixture()
	owner := f.matchmaker(Options{})
	other := f.matchmaker(Options{})
	owner.Define("chat", func() room.Logic { return &testLogic{maxClients: 6} })

	created, err := owner.Create(context.Background(), "chat", map[string]any{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pid, v, err := other.RemoteRoomCall(context.Background(), created.Room.RoomID, "maxClients", nil, 0)
	if err != nil {
		t.Fatalf("remote call: %v", err)
	}
	if pid != owner.ProcessID {
		t.Fatalf("reply process = %s, want %s", pid, owner.ProcessID)
	}
	// Values cross the wire as JSON numbers.
	if n, ok := v.(float64); !ok || n != 6 {
		t.Fatalf("maxClients = %v, want 6", v)
	}

	// Seat reservation through the remote path.
	res, err := other.JoinByID(context.Background(), created.Room.RoomID, map[string]any{})
	if err != nil {
		t.Fatalf("remote joinById: %v", err)
	}
	r, _ := owner.LocalRoom(created.Room.RoomID)
	if !r.HasReservedSeat(res.SessionID) {
		t.Fatalf("seat not recorded on the owning process")
	}
}

func TestRemoteCallTimeout(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{RemoteCallTimeout: 50 * time.Millisecond})

	before := f.presence.ChannelCount()
	start := time.Now()
	_, _, err := mm.RemoteRoomCall(context.Background(), "nobody-home", "roomId", nil, 0)
	elapsed := time.Since(start)

	var timeout *RemoteCallTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want RemoteCallTimeoutError", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %s", elapsed)
	}
	if after := f.presence.ChannelCount(); after != before {
		t.Fatalf("reply subscription leaked: %d -> %d", before, after)
	}
}

func TestRemoteCallUnknownMethod(t *testing.T) {
	f := newFixture()
	owner := f.matchmaker(Options{})
	other := f.matchmaker(Options{})
	owner.Define("chat", func() room.Logic { return &testLogic{} })
	created, _ := owner.Create(context.Background(), "chat", map[string]any{})

	for name, mm := range map[string]*MatchMaker{"local": owner, "remote": other} {
		t.Run(name, func(t *testing.T) {
			_, _, err := mm.RemoteRoomCall(context.Background(), created.Room.RoomID, "bogus", []any{1}, 0)
			var remoteErr *RemoteCallError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("err = %v, want RemoteCallError", err)
			}
		})
	}
}

func TestCustomRemoteMethod(t *testing.T) {
	f := newFixture()
	owner := f.matchmaker(Options{})
	other := f.matchmaker(Options{})
	owner.Define("counter", func() room.Logic { return &testLogic{} },
		WithMethod("add", func(_ *room.Room, args []any) (any, error) {
			a := args[0].(float64)
			b := args[1].(float64)
			return a + b, nil
		}),
	)
	created, _ := owner.Create(context.Background(), "counter", map[string]any{})

	_, v, err := other.RemoteRoomCall(context.Background(), created.Room.RoomID, "add", []any{float64(2), float64(3)}, 0)
	if err != nil {
		t.Fatalf("remote add: %v", err)
	}
	if v != float64(5) {
		t.Fatalf("add = %v, want 5", v)
	}
}

func TestStaleRoomCleanup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := f.matchmaker(Options{})
	owner.Define("arena", func() room.Logic { return &testLogic{} })
	live, _ := owner.Create(ctx, "arena", map[string]any{})

	// A listing left behind by a crashed process: nobody serves its channel.
	dead := f.driver.CreateInstance(driver.Listing{RoomID: "dead-room", Name: "arena", ProcessID: "gone"})
	if err := f.driver.Save(ctx, dead); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = f.presence.SAdd(ctx, "arena", "dead-room")

	second := f.matchmaker(Options{})
	second.Define("arena", func() room.Logic { return &testLogic{} })

	if l, _ := f.driver.FindOne(ctx, map[string]any{"roomId": "dead-room"}, nil); l != nil {
		t.Fatalf("stale listing survived cleanup")
	}
	if l, _ := f.driver.FindOne(ctx, map[string]any{"roomId": string(live.Room.RoomID)}, nil); l == nil {
		t.Fatalf("live room was reaped")
	}
	members, _ := f.presence.SMembers(ctx, "arena")
	for _, m := range members {
		if m == "dead-room" {
			t.Fatalf("stale set membership survived cleanup")
		}
	}

	// Idempotent: a second pass on the clean registry removes nothing.
	second.CleanupStaleRooms(ctx, "arena")
	if l, _ := f.driver.FindOne(ctx, map[string]any{"roomId": string(live.Room.RoomID)}, nil); l == nil {
		t.Fatalf("second cleanup removed a live room")
	}
}

func TestGracefulShutdown(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	ctx := context.Background()
	a, _ := mm.Create(ctx, "chat", map[string]any{})
	b, _ := mm.Create(ctx, "chat", map[string]any{})

	if err := mm.GracefulShutdown(1001); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := mm.LocalRoomCount(); n != 0 {
		t.Fatalf("localRooms = %d after shutdown", n)
	}
	for _, id := range []domain.RoomID{a.Room.RoomID, b.Room.RoomID} {
		if n := f.presence.SubscriptionCount("$" + string(id)); n != 0 {
			t.Fatalf("room channel %s still subscribed", id)
		}
		if l, _ := f.driver.FindOne(ctx, map[string]any{"roomId": string(id)}, nil); l != nil {
			t.Fatalf("listing %s survived shutdown", id)
		}
	}

	if err := mm.GracefulShutdown(1001); !errors.Is(err, ErrShutdownInProgress) {
		t.Fatalf("second shutdown err = %v", err)
	}
	_, err := mm.InvokeExposed(ctx, "joinOrCreate", "chat", map[string]any{})
	if err == nil {
		t.Fatalf("matchmaking allowed during shutdown")
	}
}

func TestQueryForcesPublicKeepsLocked(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("open", func() room.Logic { return &testLogic{} })
	mm.Define("solo", func() room.Logic { return &testLogic{maxClients: 1} })
	mm.Define("hidden", func() room.Logic { return &testLogic{private: true} })

	ctx := context.Background()
	open, _ := mm.Create(ctx, "open", map[string]any{})
	locked, _ := mm.Create(ctx, "solo", map[string]any{}) // auto-locks at one seat
	_, _ = mm.Create(ctx, "hidden", map[string]any{})

	listings, err := mm.Query(ctx, "", map[string]any{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	ids := make(map[domain.RoomID]bool, len(listings))
	for _, l := range listings {
		ids[l.RoomID] = true
	}
	if !ids[open.Room.RoomID] || !ids[locked.Room.RoomID] {
		t.Fatalf("query dropped public rooms: %v", ids)
	}
	if len(listings) != 2 {
		t.Fatalf("query returned %d rooms, want 2 (private excluded)", len(listings))
	}
}

func TestFilterByMatchesRoomsPerMode(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("battle", func() room.Logic { return &testLogic{} }, FilterBy("mode"))

	ctx := context.Background()
	ranked, _ := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked"})
	casual, _ := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "casual"})
	if ranked.Room.RoomID == casual.Room.RoomID {
		t.Fatalf("different modes share a room")
	}

	again, _ := mm.JoinOrCreate(ctx, "battle", map[string]any{"mode": "ranked"})
	if again.Room.RoomID != ranked.Room.RoomID {
		t.Fatalf("same mode did not reuse its room")
	}
}

func TestAdmissionCounterReturnsToZero(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	ctx := context.Background()
	if _, err := mm.JoinOrCreate(ctx, "chat", map[string]any{}); err != nil {
		t.Fatalf("joinOrCreate: %v", err)
	}
	v, _ := f.presence.Incr(ctx, "chat:c")
	if v != 1 {
		t.Fatalf("admission counter = %d after matchmake, want 0", v-1)
	}
}

func TestExposedMethodsOnly(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("chat", func() room.Logic { return &testLogic{} })

	_, err := mm.InvokeExposed(context.Background(), "handelMatchmake2", "chat", map[string]any{})
	wantCode(t, err, CodeUnhandled)
}

func TestOnCreateErrorWraps(t *testing.T) {
	f := newFixture()
	mm := f.matchmaker(Options{})
	mm.Define("broken", func() room.Logic { return &testLogic{createErr: errors.New("bad map config")} })

	_, err := mm.Create(context.Background(), "broken", map[string]any{})
	wantCode(t, err, CodeUnhandled)
	var me *Error
	if !errors.As(err, &me) {
		t.Fatalf("err = %T", err)
	}
	if !strings.Contains(me.Message, "bad map config") {
		t.Fatalf("original message lost: %q", me.Message)
	}
}

package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/abhang-atish/colyseus/internal/domain"
	"github.com/abhang-atish/colyseus/internal/room"
)

// IPC reply codes on per-request reply channels.
const (
	ipcSuccess = 0
	ipcError   = 1
)

// roomChannel is where the owning process receives calls for a room.
func roomChannel(roomID domain.RoomID) string {
	return "$" + string(roomID)
}

// replyChannel carries the single reply of one request.
func replyChannel(roomID domain.RoomID, requestID string) string {
	return string(roomID) + ":" + requestID
}

type ipcReply struct {
	code      int
	processID domain.ProcessID
	value     any
	errMsg    string
}

// RemoteRoomCall invokes a method or reads a property of a room anywhere
// in the fleet. A locally owned room is dispatched directly; otherwise the
// call round-trips over the presence channels. A nil args slice reads the
// property of the same name. timeout <= 0 uses the configured default.
func (m *MatchMaker) RemoteRoomCall(ctx context.Context, roomID domain.RoomID, method string, args []any, timeout time.Duration) (domain.ProcessID, any, error) {
	if timeout <= 0 {
		timeout = m.remoteCallTimeout
	}

	if r, ok := m.LocalRoom(roomID); ok {
		v, err := r.Dispatch(method, args, args != nil)
		if err != nil {
			return "", nil, &RemoteCallError{Message: err.Error()}
		}
		return m.ProcessID, v, nil
	}

	requestID := domain.NewRequestID()
	replies := make(chan ipcReply, 1)
	unsubscribe, err := m.presence.Subscribe(ctx, replyChannel(roomID, requestID), func(data []byte) {
		rep, err := decodeReply(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(roomID)).Msg("malformed ipc reply")
			return
		}
		select {
		case replies <- rep:
		default: // duplicate reply, first wins
		}
	})
	if err != nil {
		return "", nil, err
	}
	defer unsubscribe()

	frame, err := json.Marshal([]any{method, requestID, args})
	if err != nil {
		return "", nil, err
	}
	if err := m.presence.Publish(ctx, roomChannel(roomID), frame); err != nil {
		return "", nil, err
	}

	select {
	case rep := <-replies:
		if rep.code == ipcError {
			return "", nil, &RemoteCallError{Message: rep.errMsg}
		}
		return rep.processID, rep.value, nil
	case <-time.After(timeout):
		return "", nil, &RemoteCallTimeoutError{RoomID: roomID, Method: method, Timeout: timeout}
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

// handleRoomMessage serves one inbound call on an owned room's channel.
// The dispatch runs on its own goroutine: methods may block on user code,
// and replies are keyed per request so completion order does not matter.
func (m *MatchMaker) handleRoomMessage(r *room.Room, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(r.ID)).Msg("malformed ipc request")
		return
	}
	var method, requestID string
	if err := json.Unmarshal(frame[0], &method); err != nil {
		return
	}
	if err := json.Unmarshal(frame[1], &requestID); err != nil {
		return
	}
	var args []any
	hasArgs := false
	if len(frame) > 2 && string(frame[2]) != "null" {
		if err := json.Unmarshal(frame[2], &args); err != nil {
			m.replyError(r.ID, requestID, fmt.Sprintf("malformed arguments for %q", method))
			return
		}
		hasArgs = true
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				m.replyError(r.ID, requestID, fmt.Sprintf("%v", rec))
			}
		}()
		v, err := r.Dispatch(method, args, hasArgs)
		if err != nil {
			m.replyError(r.ID, requestID, err.Error())
			return
		}
		m.replySuccess(r.ID, requestID, v)
	}()
}

func (m *MatchMaker) replySuccess(roomID domain.RoomID, requestID string, value any) {
	frame, err := json.Marshal([]any{ipcSuccess, []any{m.ProcessID, value}})
	if err != nil {
		m.replyError(roomID, requestID, err.Error())
		return
	}
	m.publishReply(roomID, requestID, frame)
}

func (m *MatchMaker) replyError(roomID domain.RoomID, requestID, message string) {
	frame, _ := json.Marshal([]any{ipcError, message})
	m.publishReply(roomID, requestID, frame)
}

func (m *MatchMaker) publishReply(roomID domain.RoomID, requestID string, frame []byte) {
	if err := m.presence.Publish(context.Background(), replyChannel(roomID, requestID), frame); err != nil {
		log.Warn().Err(err).Str("module", "matchmaker").Str("room", string(roomID)).Msg("ipc reply publish failed")
	}
}

func decodeReply(data []byte) (ipcReply, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return ipcReply{}, err
	}
	if len(frame) != 2 {
		return ipcReply{}, fmt.Errorf("reply frame has %d elements", len(frame))
	}
	var rep ipcReply
	if err := json.Unmarshal(frame[0], &rep.code); err != nil {
		return ipcReply{}, err
	}
	if rep.code == ipcError {
		return rep, json.Unmarshal(frame[1], &rep.errMsg)
	}
	var payload []json.RawMessage
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return ipcReply{}, err
	}
	if len(payload) != 2 {
		return ipcReply{}, fmt.Errorf("reply payload has %d elements", len(payload))
	}
	if err := json.Unmarshal(payload[0], &rep.processID); err != nil {
		return ipcReply{}, err
	}
	return rep, json.Unmarshal(payload[1], &rep.value)
}

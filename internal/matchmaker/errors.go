package matchmaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/abhang-atish/colyseus/internal/domain"
)

// Wire-stable matchmaking error codes shared with clients.
const (
	CodeNoHandler       = 4210
	CodeInvalidCriteria = 4211
	CodeInvalidRoomID   = 4212
	CodeUnhandled       = 4213
	CodeExpired         = 4214
)

// WebSocket protocol constants used by the transport adapter.
const (
	ProtocolJoinError = 11
	WSCloseWithError  = 4002
)

// Error carries a wire-stable code across the transport boundary.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the wire code from any error; unknown kinds map to
// the unhandled code.
func ErrorCode(err error) int {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeUnhandled
}

// ErrSeatReservation is the only retriable failure in joinOrCreate/join:
// the chosen room refused the seat (filled up or locked in between).
var ErrSeatReservation = errors.New("seat reservation failed")

// ErrShutdownInProgress rejects a second graceful shutdown.
var ErrShutdownInProgress = errors.New("graceful shutdown already in progress")

// RemoteCallTimeoutError marks a remote room call that received no reply
// in time. Stale-room cleanup keys off this kind.
type RemoteCallTimeoutError struct {
	RoomID  domain.RoomID
	Method  string
	Timeout time.Duration
}

func (e *RemoteCallTimeoutError) Error() string {
	return fmt.Sprintf("remote room (%s) timed out after %s, requested method %q", e.RoomID, e.Timeout, e.Method)
}

// RemoteCallError carries a failure raised by the owning process.
type RemoteCallError struct {
	Message string
}

func (e *RemoteCallError) Error() string { return e.Message }

// Package domain contains typed identifiers and small entities without logic.
package domain

import (
	"crypto/rand"

	"github.com/google/uuid"
)

type (
	RoomName  string
	RoomID    string
	SessionID string
	ProcessID string
)

// roomIDAlphabet keeps generated ids inside the URL path grammar [a-zA-Z0-9_-].
const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

const roomIDLength = 9

// NewRoomID returns a short opaque id, unique enough across a fleet.
func NewRoomID() RoomID {
	buf := make([]byte, roomIDLength)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = roomIDAlphabet[int(b)%len(roomIDAlphabet)]
	}
	return RoomID(buf)
}

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

func NewProcessID() ProcessID {
	return ProcessID(uuid.NewString())
}

// NewRequestID identifies a single remote room call.
func NewRequestID() string {
	return uuid.NewString()
}

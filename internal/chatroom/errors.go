package chatroom

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol     = errors.New("protocol error")
	ErrAuth         = errors.New("authentication failed")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrNoRoom       = errors.New("not in a room")
	ErrInvalidRoom  = errors.New("invalid room name")
)

// ProtocolError describes a malformed or unknown command. It matches
// ErrProtocol with errors.Is.
type ProtocolError struct {
	Command string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Command == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Command, e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

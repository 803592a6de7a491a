package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/protocol"
)

// CloseCode is the status a connection is closed with.
type CloseCode int

const (
	// CloseNormal is an ordinary disconnect.
	CloseNormal CloseCode = 1000
	// CloseSlowConsumer is used when a connection cannot keep up with its frames.
	CloseSlowConsumer CloseCode = 1008
	// CloseInvalidToken tells the client to re-authenticate.
	CloseInvalidToken CloseCode = 4001
	// CloseReplaced means a newer connection of the same player took over.
	CloseReplaced CloseCode = 4002
	// CloseRoomUnavailable means the room could not be loaded; the client may retry.
	CloseRoomUnavailable CloseCode = 4003
)

// Session binds one transport connection to a (room, player) pair.
// It is the relay subscriber for that connection.
type Session struct {
	id       string
	roomID   string
	playerID string
	name     string
	tokenID  string
	remote   string
	outbox   *Outbox
	logger   *zap.Logger

	mu     sync.Mutex
	closed bool
	code   CloseCode
	reason string
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RoomID returns the bound room id.
func (s *Session) RoomID() string { return s.roomID }

// PlayerID returns the bound player id.
func (s *Session) PlayerID() string { return s.playerID }

// Name returns the player's display name.
func (s *Session) Name() string { return s.name }

// Deliver enqueues a frame for the connection. A connection whose queue is
// full is closed as a slow consumer rather than silently losing frames.
func (s *Session) Deliver(out protocol.Outbound) error {
	err := s.outbox.Push(out)
	if errors.Is(err, ErrOutboxFull) {
		s.logger.Warn("slow consumer, closing session")
		s.Close(CloseSlowConsumer, "connection too slow")
	}
	return err
}

// Outbound returns the frames to write, in order. The channel is closed
// when the session is closed; CloseStatus then reports why.
func (s *Session) Outbound() <-chan protocol.Outbound {
	return s.outbox.Frames()
}

// Close ends the session with code. Only the first call has any effect.
func (s *Session) Close(code CloseCode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.code = code
	s.reason = reason
	s.outbox.Close()
	s.logger.Debug("session closed", zap.Int("code", int(code)), zap.String("reason", reason))
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseStatus returns the code and reason the session was closed with.
func (s *Session) CloseStatus() (CloseCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.reason
}

// Package session binds client connections to rooms. The Manager owns
// every Session; rooms see sessions only as relay subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/auth"
	"github.com/cory-johannsen/vdm/internal/game/dice"
	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/protocol"
)

// ErrUnauthorized is returned by Join when the token is not the player's current token.
var ErrUnauthorized = errors.New("invalid session token")

// Validator checks join tokens.
type Validator interface {
	Validate(ctx context.Context, playerID, token string) (auth.Identity, error)
}

// Rooms resolves room ids to live rooms.
type Rooms interface {
	GetOrCreate(ctx context.Context, roomID string) (*room.Room, error)
}

// Config tunes the Manager.
type Config struct {
	// SendBuffer is the number of frames queued per connection before it is
	// considered a slow consumer.
	SendBuffer int
}

// JoinRequest identifies a connection attempt.
type JoinRequest struct {
	RoomID     string
	PlayerID   string
	Token      string
	RemoteAddr string
}

// roomEntry holds the sessions of one room. Its mutex serializes joins and
// leaves for the room and is always taken before the room's own lock.
type roomEntry struct {
	mu       sync.Mutex
	room     *room.Room
	byPlayer map[string]*Session
}

// Manager tracks at most one live Session per (room, player).
// All methods are safe for concurrent use.
type Manager struct {
	validator  Validator
	rooms      Rooms
	roller     *dice.Roller
	sendBuffer int
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*roomEntry
}

// NewManager creates a Manager.
//
// Precondition: every argument must be non-nil.
func NewManager(validator Validator, rooms Rooms, roller *dice.Roller, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		validator:  validator,
		rooms:      rooms,
		roller:     roller,
		sendBuffer: cfg.SendBuffer,
		logger:     logger,
		entries:    make(map[string]*roomEntry),
	}
}

// Join authenticates req and binds a new Session to the room. A live
// session of the same player in the same room is replaced and closed with
// CloseReplaced.
//
// Postcondition: On success the session has received the room snapshot and
// history and is subscribed to the room. Errors wrap ErrUnauthorized or
// storage.ErrUnavailable.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (*Session, error) {
	start := time.Now()
	id, err := m.validator.Validate(ctx, req.PlayerID, req.Token)
	if err != nil {
		m.logger.Info("join rejected",
			zap.String("room_id", req.RoomID),
			zap.String("player_id", req.PlayerID),
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	rm, err := m.rooms.GetOrCreate(ctx, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("joining room %s: %w", req.RoomID, err)
	}
	e := m.entry(rm)

	sess := &Session{
		id:       uuid.NewString(),
		roomID:   rm.ID(),
		playerID: id.PlayerID,
		name:     id.Name,
		tokenID:  id.TokenID,
		remote:   req.RemoteAddr,
		outbox:   NewOutbox(m.sendBuffer),
	}
	sess.logger = m.logger.With(
		zap.String("session_id", sess.id),
		zap.String("room_id", sess.roomID),
		zap.String("player_id", sess.playerID),
	)

	e.mu.Lock()
	prev := e.byPlayer[id.PlayerID]
	e.byPlayer[id.PlayerID] = sess
	replaced := ""
	if prev != nil {
		replaced = prev.ID()
	}
	rm.Attach(sess, room.Profile{ID: id.PlayerID, Name: id.Name, Avatar: id.Avatar}, replaced)
	e.mu.Unlock()

	if prev != nil {
		prev.Close(CloseReplaced, "Replaced by a newer connection.")
	}
	sess.logger.Info("session joined",
		zap.String("remote_addr", req.RemoteAddr),
		zap.Bool("replaced", prev != nil),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sess, nil
}

// Leave closes sess and unbinds it from its room. Leaving a session that
// was already replaced or left changes nothing in the room.
func (m *Manager) Leave(sess *Session) {
	sess.Close(CloseNormal, "")
	e := m.lookup(sess.RoomID())
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byPlayer[sess.PlayerID()] == sess {
		delete(e.byPlayer, sess.PlayerID())
	}
	if e.room.Detach(sess.ID(), sess.PlayerID()) {
		sess.logger.Info("session left")
	}
}

// Revoke closes every session of playerID with CloseInvalidToken.
//
// Postcondition: Returns the number of sessions closed.
func (m *Manager) Revoke(playerID string) int {
	m.mu.Lock()
	entries := make([]*roomEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		s := e.byPlayer[playerID]
		e.mu.Unlock()
		if s == nil {
			continue
		}
		s.Close(CloseInvalidToken, "Invalid session token.")
		m.Leave(s)
		n++
	}
	if n > 0 {
		m.logger.Info("sessions revoked", zap.String("player_id", playerID), zap.Int("count", n))
	}
	return n
}

// Lookup returns the live session of playerID in roomID.
func (m *Manager) Lookup(roomID, playerID string) (*Session, bool) {
	e := m.lookup(roomID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.byPlayer[playerID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		e.mu.Lock()
		n += len(e.byPlayer)
		e.mu.Unlock()
	}
	return n
}

// Handle applies one inbound frame from sess. Errors are reported to the
// sender as system frames; frames from a replaced session are ignored.
func (m *Manager) Handle(ctx context.Context, sess *Session, in protocol.Inbound) {
	e := m.lookup(sess.RoomID())
	if e == nil {
		return
	}
	e.mu.Lock()
	current := e.byPlayer[sess.PlayerID()] == sess
	e.mu.Unlock()
	if !current {
		sess.logger.Debug("ignoring frame from stale session", zap.String("kind", string(in.Kind())))
		return
	}

	rm := e.room
	var err error
	switch msg := in.(type) {
	case protocol.Say:
		err = m.say(ctx, sess, rm, msg.Message)
	case protocol.SubmitTurn:
		err = m.resolve(sess, rm)
	case protocol.StartGame:
		err = rm.StartGame(sess.PlayerID())
	case protocol.ResumeGame:
		err = rm.ResumeGame(sess.PlayerID())
	default:
		sess.logger.Warn("unhandled inbound kind", zap.String("kind", string(in.Kind())))
	}
	if err != nil {
		rm.Tell(sess.ID(), m.describe(sess, err))
	}
}

func (m *Manager) resolve(sess *Session, rm *room.Room) error {
	ack, err := rm.ResolveTurn(sess.PlayerID())
	if err != nil {
		return err
	}
	if ack == room.AckAlreadyResolving {
		rm.Tell(sess.ID(), "The narrator is already resolving this turn.")
	}
	return nil
}

func (m *Manager) entry(rm *room.Room) *roomEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[rm.ID()]
	if !ok {
		e = &roomEntry{room: rm, byPlayer: make(map[string]*Session)}
		m.entries[rm.ID()] = e
	}
	return e
}

func (m *Manager) lookup(roomID string) *roomEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[roomID]
}

var userErrors = []error{
	room.ErrForbidden,
	room.ErrInvalidState,
	room.ErrNoActions,
	room.ErrTurnClosed,
	room.ErrUnknownPlayer,
	room.ErrClosed,
	dice.ErrNotation,
}

// describe renders err for the player who caused it.
func (m *Manager) describe(sess *Session, err error) string {
	for _, ue := range userErrors {
		if errors.Is(err, ue) {
			msg := err.Error()
			return strings.ToUpper(msg[:1]) + msg[1:] + "."
		}
	}
	sess.logger.Error("handling frame", zap.Error(err))
	return "Something went wrong handling that request."
}

package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/vdm/internal/auth"
	"github.com/cory-johannsen/vdm/internal/game/dice"
	"github.com/cory-johannsen/vdm/internal/game/registry"
	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/narrative"
	"github.com/cory-johannsen/vdm/internal/protocol"
	"github.com/cory-johannsen/vdm/internal/storage"
)

const roomID = "tavern"

// tokens maps a token to the identity it authenticates.
type tokens map[string]auth.Identity

func (v tokens) Validate(_ context.Context, playerID, token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok || id.PlayerID != playerID {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

var testTokens = tokens{
	"tok-alice": {PlayerID: "alice", Name: "Alice", Avatar: "knight", TokenID: "j1"},
	"tok-bob":   {PlayerID: "bob", Name: "Bob", Avatar: "rogue", TokenID: "j2"},
}

type fixture struct {
	mgr   *Manager
	reg   *registry.Registry
	store *storage.Memory
}

func newFixture(t *testing.T, sendBuffer int) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storage.NewMemory()
	reg := registry.New(store, room.Deps{
		Generator: narrative.NewScripted(narrative.DefaultPrompts(), 0),
		Logger:    logger,
		Options:   room.Options{Streaming: true},
	}, logger)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	mgr := NewManager(testTokens, reg, dice.NewRoller(dice.CryptoSource(), logger), Config{SendBuffer: sendBuffer}, logger)
	return &fixture{mgr: mgr, reg: reg, store: store}
}

func (f *fixture) join(t *testing.T, playerID string) *Session {
	t.Helper()
	s, err := f.mgr.Join(context.Background(), JoinRequest{
		RoomID:     roomID,
		PlayerID:   playerID,
		Token:      "tok-" + playerID,
		RemoteAddr: "127.0.0.1:1",
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) room(t *testing.T) *room.Room {
	t.Helper()
	rm, ok := f.reg.Get(roomID)
	require.True(t, ok)
	return rm
}

func next(t *testing.T, s *Session) protocol.Outbound {
	t.Helper()
	select {
	case out, ok := <-s.Outbound():
		require.True(t, ok, "session closed")
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// until reads frames from s until one of kind arrives.
func until(t *testing.T, s *Session, kind protocol.OutboundKind) protocol.Outbound {
	t.Helper()
	for {
		if out := next(t, s); out.Kind() == kind {
			return out
		}
	}
}

// drain returns the frames already queued for s.
func drain(s *Session) []protocol.Outbound {
	var out []protocol.Outbound
	for {
		select {
		case f, ok := <-s.Outbound():
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func systems(frames []protocol.Outbound) []string {
	var out []string
	for _, f := range frames {
		if m, ok := f.(protocol.System); ok {
			out = append(out, m.Message)
		}
	}
	return out
}

func (f *fixture) startGame(t *testing.T, owner *Session, others ...*Session) {
	t.Helper()
	f.mgr.Handle(context.Background(), owner, protocol.StartGame{})
	until(t, owner, protocol.KindStreamEnd)
	for _, s := range others {
		until(t, s, protocol.KindStreamEnd)
	}
}

func TestJoin_SendsSnapshotThenHistory(t *testing.T) {
	f := newFixture(t, 0)
	s := f.join(t, "alice")

	first, ok := next(t, s).(protocol.StateUpdate)
	require.True(t, ok)
	assert.Equal(t, "alice", first.Room.OwnerID)
	require.Len(t, first.Room.Players, 1)
	assert.True(t, first.Room.Players[0].Active)
	assert.Equal(t, "knight", first.Room.Players[0].Avatar)

	_, ok = next(t, s).(protocol.ChatHistory)
	assert.True(t, ok)
	assert.Equal(t, 1, f.mgr.Count())
}

func TestJoin_Unauthorized(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.mgr.Join(context.Background(), JoinRequest{RoomID: roomID, PlayerID: "alice", Token: "tok-bob"})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 0, f.mgr.Count())
	_, ok := f.reg.Get(roomID)
	assert.False(t, ok)
}

func TestJoin_RoomUnavailable(t *testing.T) {
	f := newFixture(t, 0)
	f.store.SetLoadError(errors.New("connection refused"))
	_, err := f.mgr.Join(context.Background(), JoinRequest{RoomID: roomID, PlayerID: "alice", Token: "tok-alice"})
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 0, f.mgr.Count())
}

func TestJoin_ReconnectReplacesSession(t *testing.T) {
	f := newFixture(t, 0)
	bob := f.join(t, "bob")
	old := f.join(t, "alice")
	drain(bob)

	fresh := f.join(t, "alice")

	code, _ := old.CloseStatus()
	assert.True(t, old.Closed())
	assert.Equal(t, CloseReplaced, code)
	cur, ok := f.mgr.Lookup(roomID, "alice")
	require.True(t, ok)
	assert.Same(t, fresh, cur)
	assert.Equal(t, 2, f.mgr.Count())
	assert.Empty(t, systems(drain(bob)), "reconnect is not announced")

	f.mgr.Leave(old)
	p, ok := f.room(t).Player("alice")
	require.True(t, ok)
	assert.True(t, p.Active, "leaving a replaced session keeps the player active")
}

func TestLeave_NotifiesOthers(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	assert.Contains(t, systems(drain(alice)), "Bob has joined the game.")

	f.mgr.Leave(bob)

	assert.Contains(t, systems(drain(alice)), "Bob has left the game.")
	p, ok := f.room(t).Player("bob")
	require.True(t, ok)
	assert.False(t, p.Active)
	code, _ := bob.CloseStatus()
	assert.Equal(t, CloseNormal, code)
	_, ok = f.mgr.Lookup(roomID, "bob")
	assert.False(t, ok)
}

func TestRevoke_ClosesWithInvalidToken(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice")
	f.join(t, "bob")

	assert.Equal(t, 1, f.mgr.Revoke("alice"))

	code, reason := alice.CloseStatus()
	assert.Equal(t, CloseInvalidToken, code)
	assert.Equal(t, "Invalid session token.", reason)
	assert.Equal(t, 1, f.mgr.Count())
	assert.Equal(t, 0, f.mgr.Revoke("carol"))
}

func TestDeliver_SlowConsumerIsClosed(t *testing.T) {
	f := newFixture(t, 2)
	alice := f.join(t, "alice") // state_update and chat_history fill the queue

	f.join(t, "bob")

	assert.True(t, alice.Closed())
	code, _ := alice.CloseStatus()
	assert.Equal(t, CloseSlowConsumer, code)
}

func TestHandle_StartGameRequiresOwner(t *testing.T) {
	f := newFixture(t, 0)
	f.join(t, "alice")
	bob := f.join(t, "bob")
	drain(bob)

	f.mgr.Handle(context.Background(), bob, protocol.StartGame{})

	msg := until(t, bob, protocol.KindSystem).(protocol.System)
	assert.Equal(t, "Only the room owner can do that.", msg.Message)
}

func TestHandle_TurnFlow(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	f.startGame(t, alice, bob)

	f.mgr.Handle(context.Background(), alice, protocol.Say{Message: "open the door"})
	state := until(t, bob, protocol.KindStateUpdate).(protocol.StateUpdate)
	assert.Equal(t, []string{"alice"}, state.Room.Submitted)

	f.mgr.Handle(context.Background(), bob, protocol.Say{Message: "/next"})
	end := until(t, alice, protocol.KindStreamEnd).(protocol.StreamEnd)
	assert.Contains(t, end.FinalMessage.Content, "Alice attempts to open the door.")
	assert.Equal(t, room.NarratorID, end.FinalMessage.AuthorID)
}

func TestHandle_SubmitTurnWithoutActions(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice")
	f.startGame(t, alice)

	f.mgr.Handle(context.Background(), alice, protocol.SubmitTurn{})

	msg := until(t, alice, protocol.KindSystem).(protocol.System)
	assert.Equal(t, "No actions have been submitted this turn.", msg.Message)
}

func TestHandle_Commands(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	drain(alice)
	drain(bob)
	ctx := context.Background()

	t.Run("roll", func(t *testing.T) {
		f.mgr.Handle(ctx, alice, protocol.Say{Message: "/roll 2d6+1"})
		chat := until(t, bob, protocol.KindChat).(protocol.Chat)
		assert.True(t, strings.HasPrefix(chat.Message.Content, "rolls 2d6+1: ["), chat.Message.Content)
		assert.Equal(t, "Alice", chat.Message.AuthorName)
	})

	t.Run("roll default", func(t *testing.T) {
		f.mgr.Handle(ctx, alice, protocol.Say{Message: "/roll"})
		chat := until(t, bob, protocol.KindChat).(protocol.Chat)
		assert.True(t, strings.HasPrefix(chat.Message.Content, "rolls 1d20: ["), chat.Message.Content)
	})

	t.Run("bad notation", func(t *testing.T) {
		drain(alice)
		f.mgr.Handle(ctx, alice, protocol.Say{Message: "/roll 0d6"})
		msg := until(t, alice, protocol.KindSystem).(protocol.System)
		assert.True(t, strings.HasPrefix(msg.Message, "Invalid dice notation"), msg.Message)
	})

	t.Run("ooc", func(t *testing.T) {
		f.mgr.Handle(ctx, bob, protocol.Say{Message: "/ooc brb"})
		chat := until(t, alice, protocol.KindChat).(protocol.Chat)
		assert.True(t, chat.Message.IsOOC)
		assert.Equal(t, "brb", chat.Message.Content)
	})

	t.Run("unknown is private", func(t *testing.T) {
		drain(bob)
		f.mgr.Handle(ctx, alice, protocol.Say{Message: "/dance wildly"})
		msg := until(t, alice, protocol.KindSystem).(protocol.System)
		assert.Equal(t, "Unknown command: /dance", msg.Message)
		assert.Empty(t, systems(drain(bob)))
	})

	t.Run("save", func(t *testing.T) {
		f.mgr.Handle(ctx, alice, protocol.Say{Message: "/save"})
		msg := until(t, bob, protocol.KindSystem).(protocol.System)
		assert.Equal(t, "Game progress saved by Alice.", msg.Message)
		assert.GreaterOrEqual(t, f.store.Saves(), 1)
	})

	t.Run("blank is ignored", func(t *testing.T) {
		before := len(f.room(t).Messages())
		f.mgr.Handle(ctx, alice, protocol.Say{Message: "   "})
		assert.Len(t, f.room(t).Messages(), before)
	})
}

func TestHandle_SaveFailureIsPrivate(t *testing.T) {
	f := newFixture(t, 0)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	drain(alice)
	drain(bob)
	f.store.SetSaveError(errors.New("disk full"))

	f.mgr.Handle(context.Background(), alice, protocol.Say{Message: "/save"})

	msg := until(t, alice, protocol.KindSystem).(protocol.System)
	assert.Contains(t, msg.Message, "Saving failed")
	assert.Empty(t, systems(drain(bob)))
}

func TestHandle_IgnoresReplacedSession(t *testing.T) {
	f := newFixture(t, 0)
	old := f.join(t, "alice")
	f.join(t, "alice")
	before := len(f.room(t).Messages())

	f.mgr.Handle(context.Background(), old, protocol.Say{Message: "/ooc ghost"})

	assert.Len(t, f.room(t).Messages(), before)
}

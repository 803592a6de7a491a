// Package room implements a single storytelling room: its roster, message
// log, game phase and the turn coordinator that drives narration.
//
// Every operation on a Room runs under the room's own mutex. Broadcasts are
// enqueued to subscribers while that mutex is held, so all sessions observe
// state changes in the order they were committed. Rooms never share a lock.
package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/game/relay"
	"github.com/cory-johannsen/vdm/internal/narrative"
	"github.com/cory-johannsen/vdm/internal/protocol"
)

const (
	defaultGenerationTimeout = 90 * time.Second
	defaultCheckpointTimeout = 10 * time.Second
	defaultContextMessages   = 20
	defaultFallbackOpening   = "The adventure begins. Your party stands at the edge of the unknown. What do you do?"
)

// Checkpointer persists room snapshots.
type Checkpointer interface {
	Save(ctx context.Context, roomID string, rec Record) error
}

// ClipStore keeps the audio of a non-streamed response and returns the URL
// it is served at.
type ClipStore interface {
	Put(roomID string, audio []byte) (string, error)
}

// Options tunes turn resolution.
type Options struct {
	// GenerationTimeout bounds one generator call. Zero selects a default.
	GenerationTimeout time.Duration
	// CheckpointTimeout bounds one checkpoint save. Zero selects a default.
	CheckpointTimeout time.Duration
	// ContextMessages is the number of recent messages handed to the generator.
	ContextMessages int
	// Streaming relays segments as they are produced. When false the
	// committed response is sent as a single chat frame.
	Streaming bool
	// AutoResolve resolves the turn once every active player has submitted.
	AutoResolve bool
	// FallbackOpening is committed when the opening scene cannot be generated.
	FallbackOpening string
}

// Deps are the collaborators of a Room.
type Deps struct {
	Generator    narrative.Generator
	Checkpointer Checkpointer
	// Clips, when set, receives the audio of non-streamed responses.
	Clips   ClipStore
	Logger  *zap.Logger
	Options Options
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// Room is one live game session.
type Room struct {
	mu sync.Mutex

	id        string
	ownerID   string
	gameState GameState
	turnState TurnState
	players   map[string]*Player
	roster    []string
	messages  []Message
	pending   map[string]*PendingAction
	nextSeq   uint64
	nextOrder uint64

	relay    *relay.Relay
	inflight *inflight
	genToken uint64

	gen     narrative.Generator
	cp      Checkpointer
	clips   ClipStore
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	version uint64

	saveMu       sync.Mutex
	savedVersion uint64
}

// New creates an empty room in the lobby.
//
// Precondition: id must be non-empty; deps.Generator and deps.Logger must be non-nil.
// Postcondition: Returns a room with no players, no owner, GameLobby and TurnOpen.
func New(id string, deps Deps) *Room {
	r := newRoom(id, deps)
	r.gameState = GameLobby
	return r
}

// Restore rebuilds a room from a persisted snapshot. Restored players are
// inactive until they reconnect, and a snapshot taken mid-resolution comes
// back with its turn open.
//
// Precondition: rec.ID must be non-empty.
func Restore(rec Record, deps Deps) *Room {
	r := newRoom(rec.ID, deps)
	r.ownerID = rec.OwnerID
	r.gameState = rec.GameState
	if r.gameState != GameActive {
		r.gameState = GameLobby
	}
	for _, p := range rec.Players {
		p.Active = false
		r.players[p.ID] = &p
		r.roster = append(r.roster, p.ID)
	}
	r.messages = append(r.messages, rec.Messages...)
	r.nextSeq = rec.NextSeq
	for _, m := range r.messages {
		if m.Seq >= r.nextSeq {
			r.nextSeq = m.Seq + 1
		}
	}
	for _, pa := range rec.Pending {
		pa.order = r.nextOrder
		r.nextOrder++
		r.pending[pa.PlayerID] = &pa
	}
	r.logger.Info("room restored",
		zap.Int("players", len(r.players)),
		zap.Int("messages", len(r.messages)),
		zap.String("game_state", string(r.gameState)),
	)
	return r
}

func newRoom(id string, deps Deps) *Room {
	opts := deps.Options
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	if opts.CheckpointTimeout <= 0 {
		opts.CheckpointTimeout = defaultCheckpointTimeout
	}
	if opts.ContextMessages <= 0 {
		opts.ContextMessages = defaultContextMessages
	}
	if opts.FallbackOpening == "" {
		opts.FallbackOpening = defaultFallbackOpening
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger.With(zap.String("room_id", id))
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		id:        id,
		turnState: TurnOpen,
		players:   make(map[string]*Player),
		pending:   make(map[string]*PendingAction),
		nextSeq:   1,
		relay:     relay.New(id, logger),
		gen:       deps.Generator,
		cp:        deps.Checkpointer,
		clips:     deps.Clips,
		opts:      opts,
		now:       now,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Attach binds a subscriber for profile's player. The new subscriber first
// receives the room snapshot and message history, then every later
// broadcast. replaced, when non-empty, is the id of the player's previous
// subscription, which is removed in the same step.
//
// The first player ever attached becomes the owner.
func (r *Room) Attach(sub relay.Subscriber, profile Profile, replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if replaced != "" {
		r.relay.Unsubscribe(replaced)
	}

	p, known := r.players[profile.ID]
	if !known {
		p = &Player{ID: profile.ID}
		r.players[profile.ID] = p
		r.roster = append(r.roster, profile.ID)
	}
	wasActive := p.Active
	p.Name = profile.Name
	p.Avatar = profile.Avatar
	p.Active = true
	p.LastSeen = r.now()
	if r.ownerID == "" {
		r.ownerID = profile.ID
		r.logger.Info("room owner set", zap.String("player_id", profile.ID))
	}

	_ = sub.Deliver(protocol.StateUpdate{Room: r.viewLocked()})
	_ = sub.Deliver(protocol.ChatHistory{Messages: r.historyLocked()})

	if !wasActive {
		r.relay.BroadcastExcept(sub.ID(), protocol.System{Message: fmt.Sprintf("%s has joined the game.", p.Name)})
	}
	r.relay.BroadcastExcept(sub.ID(), protocol.StateUpdate{Room: r.viewLocked()})
	r.relay.Subscribe(sub)

	r.logger.Info("player attached",
		zap.String("player_id", profile.ID),
		zap.String("session_id", sub.ID()),
		zap.Bool("reconnect", replaced != ""),
	)
}

// Detach removes the subscription sessionID bound to playerID. The player
// stays on the roster and is marked inactive when no subscription of theirs
// remains.
//
// Postcondition: Returns false, changing nothing, if sessionID was not subscribed.
func (r *Room) Detach(sessionID, playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.relay.Unsubscribe(sessionID) {
		return false
	}
	p, ok := r.players[playerID]
	if !ok {
		return true
	}
	p.LastSeen = r.now()
	if !r.relay.HasPlayer(playerID) {
		p.Active = false
		r.relay.Broadcast(protocol.System{Message: fmt.Sprintf("%s has left the game.", p.Name)})
	}
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
	r.logger.Info("player detached",
		zap.String("player_id", playerID),
		zap.String("session_id", sessionID),
	)
	if !r.anyActiveLocked() {
		r.logger.Info("last active player left, saving")
		r.checkpointLocked()
	}
	r.maybeAutoResolveLocked()
	return true
}

func (r *Room) anyActiveLocked() bool {
	for _, p := range r.players {
		if p.Active {
			return true
		}
	}
	return false
}

// Post appends a player-authored message outside the turn flow (dice rolls,
// out-of-character chatter) and broadcasts it. Allowed in every state.
func (r *Room) Post(playerID, content string, ooc bool) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[playerID]
	if !ok {
		return Message{}, ErrUnknownPlayer
	}
	m := r.appendLocked(p.ID, p.Name, content, ooc, "")
	r.relay.Broadcast(protocol.Chat{Message: m.View()})
	return m, nil
}

// Tell sends a notice to a single subscription.
func (r *Room) Tell(sessionID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relay.Send(sessionID, protocol.System{Message: message})
}

// Announce sends a notice to every subscription.
func (r *Room) Announce(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relay.Broadcast(protocol.System{Message: message})
}

// View returns the current snapshot.
func (r *Room) View() protocol.RoomView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Messages returns a copy of the message log.
func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Player returns the roster entry for id.
func (r *Room) Player(id string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Record returns the persistable snapshot.
func (r *Room) Record() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked()
}

// Subscribers returns the number of attached subscriptions.
func (r *Room) Subscribers() int {
	return r.relay.Len()
}

// Close cancels any in-flight generation and refuses new generations and
// background checkpoints. It does not wait; see Wait.
func (r *Room) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until in-flight generations and checkpoints have finished.
func (r *Room) Wait() {
	r.wg.Wait()
}

func (r *Room) appendLocked(authorID, authorName, content string, ooc bool, audioURL string) Message {
	m := Message{
		Seq:        r.nextSeq,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		IsOOC:      ooc,
		AudioURL:   audioURL,
		CreatedAt:  r.now(),
	}
	r.nextSeq++
	r.messages = append(r.messages, m)
	return m
}

func (r *Room) viewLocked() protocol.RoomView {
	players := make([]protocol.PlayerView, 0, len(r.roster))
	for _, id := range r.roster {
		p := r.players[id]
		players = append(players, protocol.PlayerView{
			ID:       p.ID,
			Name:     p.Name,
			Avatar:   p.Avatar,
			Active:   p.Active,
			LastSeen: p.LastSeen,
		})
	}
	submitted := make([]string, 0, len(r.pending))
	if r.turnState == TurnOpen {
		for _, pa := range r.pendingLocked() {
			submitted = append(submitted, pa.PlayerID)
		}
	}
	var last uint64
	if n := len(r.messages); n > 0 {
		last = r.messages[n-1].Seq
	}
	return protocol.RoomView{
		RoomID:       r.id,
		OwnerID:      r.ownerID,
		GameState:    string(r.gameState),
		TurnState:    string(r.turnState),
		Players:      players,
		Submitted:    submitted,
		MessageCount: len(r.messages),
		LastSeq:      last,
	}
}

func (r *Room) historyLocked() []protocol.MessageView {
	out := make([]protocol.MessageView, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.View()
	}
	return out
}

// pendingLocked returns the pending actions in submission order.
func (r *Room) pendingLocked() []*PendingAction {
	out := make([]*PendingAction, 0, len(r.pending))
	for _, pa := range r.pending {
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (r *Room) recordLocked() Record {
	players := make([]Player, 0, len(r.roster))
	for _, id := range r.roster {
		players = append(players, *r.players[id])
	}
	var pending []PendingAction
	for _, pa := range r.pendingLocked() {
		pending = append(pending, *pa)
	}
	if r.inflight != nil {
		pending = append(pending, r.inflight.restorable()...)
	}
	msgs := make([]Message, len(r.messages))
	copy(msgs, r.messages)
	return Record{
		ID:        r.id,
		OwnerID:   r.ownerID,
		GameState: r.gameState,
		TurnState: r.turnState,
		Players:   players,
		Messages:  msgs,
		Pending:   pending,
		NextSeq:   r.nextSeq,
		SavedAt:   r.now(),
	}
}

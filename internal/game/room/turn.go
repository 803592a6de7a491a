package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/game/relay"
	"github.com/cory-johannsen/vdm/internal/narrative"
	"github.com/cory-johannsen/vdm/internal/protocol"
)

var errSuperseded = errors.New("room: generation no longer current")

// Ack is the outcome of a successful ResolveTurn call.
type Ack int

const (
	// AckDispatched means this call moved the turn to resolving.
	AckDispatched Ack = iota
	// AckAlreadyResolving means another call already dispatched the turn.
	AckAlreadyResolving
)

// inflight is the generation currently running for a room.
type inflight struct {
	token   uint64
	kind    narrative.RequestKind
	actions []PendingAction
	stream  *relay.Stream
	// audio collects the audio of a non-streamed response.
	audio []byte
}

// restorable returns the turn's actions as they would be pending again if
// the generation failed now.
func (f *inflight) restorable() []PendingAction {
	if f.kind != narrative.KindTurn {
		return nil
	}
	out := make([]PendingAction, len(f.actions))
	copy(out, f.actions)
	return out
}

// SubmitAction records text as playerID's action for the open turn,
// replacing any earlier submission of theirs.
//
// Precondition: the game is active and the turn is open.
// Postcondition: playerID is in the submitted set of every later snapshot
// until the turn is dispatched.
func (r *Room) SubmitAction(playerID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; !ok {
		return ErrUnknownPlayer
	}
	if r.gameState != GameActive {
		return fmt.Errorf("%w: the game has not started", ErrTurnClosed)
	}
	if r.turnState != TurnOpen {
		return fmt.Errorf("%w: the narrator is resolving the turn", ErrTurnClosed)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: an action needs some text", ErrInvalidState)
	}

	order := r.nextOrder
	if prev, ok := r.pending[playerID]; ok {
		order = prev.order
	} else {
		r.nextOrder++
	}
	r.pending[playerID] = &PendingAction{PlayerID: playerID, Text: text, order: order}
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
	r.maybeAutoResolveLocked()
	return nil
}

// Pending returns the pending actions in submission order.
func (r *Room) Pending() []PendingAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingAction
	for _, pa := range r.pendingLocked() {
		out = append(out, *pa)
	}
	return out
}

// ResolveTurn dispatches the pending actions to the narrator. It returns
// immediately; the response is relayed as it is generated.
//
// Only the first of several concurrent calls dispatches; the others get
// AckAlreadyResolving.
func (r *Room) ResolveTurn(playerID string) (Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; !ok {
		return 0, ErrUnknownPlayer
	}
	if r.gameState != GameActive {
		return 0, fmt.Errorf("%w: the game has not started", ErrInvalidState)
	}
	if r.turnState == TurnResolving {
		return AckAlreadyResolving, nil
	}
	if len(r.pending) == 0 {
		return 0, ErrNoActions
	}
	if r.closed {
		return 0, ErrClosed
	}
	r.resolveLocked()
	return AckDispatched, nil
}

// StartGame moves the room from the lobby into play and narrates the
// opening scene.
//
// Precondition: playerID is the owner and the room is in the lobby.
// Postcondition: the game is active and exactly one narrator message will
// be committed for the opening, generated or fallback.
func (r *Room) StartGame(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; !ok {
		return ErrUnknownPlayer
	}
	if playerID != r.ownerID {
		return ErrForbidden
	}
	if r.gameState != GameLobby {
		return fmt.Errorf("%w: the game has already started", ErrInvalidState)
	}
	if r.closed {
		return ErrClosed
	}
	r.gameState = GameActive
	r.turnState = TurnResolving
	r.relay.Broadcast(protocol.System{Message: "The game has begun!"})
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
	r.dispatchLocked(narrative.Request{
		RoomID:  r.id,
		Kind:    narrative.KindOpening,
		History: r.contextLocked(nil),
	}, nil)
	r.logger.Info("game started", zap.String("player_id", playerID))
	return nil
}

// ResumeGame narrates a recap of the story so far for a game that was
// started before, typically one reloaded from a snapshot.
//
// Precondition: playerID is the owner, the game is active, no response is
// being generated and the log is not empty. A room still in the lobby must
// be started with StartGame.
func (r *Room) ResumeGame(playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; !ok {
		return ErrUnknownPlayer
	}
	if playerID != r.ownerID {
		return ErrForbidden
	}
	if r.gameState != GameActive {
		return fmt.Errorf("%w: the game has not started yet", ErrInvalidState)
	}
	if r.turnState == TurnResolving {
		return fmt.Errorf("%w: the narrator is busy", ErrInvalidState)
	}
	if len(r.messages) == 0 {
		return fmt.Errorf("%w: there is no story to resume", ErrInvalidState)
	}
	if r.closed {
		return ErrClosed
	}
	r.turnState = TurnResolving
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
	r.dispatchLocked(narrative.Request{
		RoomID:  r.id,
		Kind:    narrative.KindRecap,
		History: r.contextLocked(nil),
	}, nil)
	r.logger.Info("game resumed", zap.String("player_id", playerID))
	return nil
}

func (r *Room) maybeAutoResolveLocked() {
	if !r.opts.AutoResolve || r.closed || r.gameState != GameActive || r.turnState != TurnOpen || len(r.pending) == 0 {
		return
	}
	active := 0
	for id, p := range r.players {
		if !p.Active {
			continue
		}
		active++
		if _, ok := r.pending[id]; !ok {
			return
		}
	}
	if active == 0 {
		return
	}
	r.logger.Debug("every active player submitted, resolving")
	r.resolveLocked()
}

// resolveLocked commits the pending actions as messages and dispatches them.
func (r *Room) resolveLocked() {
	actions := r.pendingLocked()
	skip := make(map[uint64]bool)
	for _, pa := range actions {
		if pa.Committed {
			skip[pa.MessageSeq] = true
		}
	}
	history := r.contextLocked(skip)

	r.pending = make(map[string]*PendingAction)
	r.turnState = TurnResolving

	req := narrative.Request{RoomID: r.id, Kind: narrative.KindTurn, History: history}
	kept := make([]PendingAction, 0, len(actions))
	for _, pa := range actions {
		name := pa.PlayerID
		if p, ok := r.players[pa.PlayerID]; ok {
			name = p.Name
		}
		a := *pa
		if !a.Committed {
			m := r.appendLocked(a.PlayerID, name, a.Text, false, "")
			a.Committed = true
			a.MessageSeq = m.Seq
			r.relay.Broadcast(protocol.Chat{Message: m.View()})
		}
		kept = append(kept, a)
		req.Actions = append(req.Actions, narrative.Action{PlayerID: a.PlayerID, PlayerName: name, Text: a.Text})
	}
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
	r.logger.Info("turn dispatched", zap.Int("actions", len(kept)))
	r.dispatchLocked(req, kept)
}

// contextLocked returns the most recent in-character messages, oldest first.
func (r *Room) contextLocked(skip map[uint64]bool) []narrative.ContextMessage {
	var out []narrative.ContextMessage
	for i := len(r.messages) - 1; i >= 0 && len(out) < r.opts.ContextMessages; i-- {
		m := r.messages[i]
		if m.IsOOC || skip[m.Seq] {
			continue
		}
		out = append(out, narrative.ContextMessage{
			AuthorID:   m.AuthorID,
			AuthorName: m.AuthorName,
			Content:    m.Content,
			Narrator:   m.AuthorID == NarratorID,
		})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (r *Room) dispatchLocked(req narrative.Request, actions []PendingAction) {
	r.genToken++
	f := &inflight{token: r.genToken, kind: req.Kind, actions: actions}
	if r.opts.Streaming {
		f.stream = r.relay.Open()
		f.stream.Start()
	}
	r.inflight = f
	r.wg.Add(1)
	go r.generate(f, req)
}

type outcome struct {
	res narrative.Result
	err error
}

func (r *Room) generate(f *inflight, req narrative.Request) {
	defer r.wg.Done()
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.GenerationTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := r.gen.Generate(ctx, req, func(seg narrative.Segment) error {
			return r.emit(f, seg)
		})
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	if out.err == nil && strings.TrimSpace(out.res.Text) == "" {
		out.err = narrative.ErrEmptyResponse
	}

	if out.err != nil {
		cause := ErrGeneratorFailure
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrGeneratorTimeout
		}
		r.logger.Warn("generation failed",
			zap.String("kind", req.Kind.String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(out.err),
		)
		r.fail(f, cause)
		return
	}
	r.logger.Info("generation complete",
		zap.String("kind", req.Kind.String()),
		zap.Int("chars", len(out.res.Text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	r.complete(f, out.res)
}

// emit relays one segment of the current generation.
func (r *Room) emit(f *inflight, seg narrative.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight != f {
		return errSuperseded
	}
	if f.stream == nil {
		if seg.Kind == narrative.SegmentAudio && r.clips != nil {
			f.audio = append(f.audio, seg.Audio...)
		}
		return nil
	}
	ok := true
	switch seg.Kind {
	case narrative.SegmentText:
		if seg.Text != "" {
			ok = f.stream.Text(seg.Text)
		}
	case narrative.SegmentAudio:
		if len(seg.Audio) > 0 {
			ok = f.stream.Audio(seg.Audio)
		}
	}
	if !ok {
		return errSuperseded
	}
	return nil
}

func (r *Room) complete(f *inflight, res narrative.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight != f {
		return
	}
	r.inflight = nil

	audioURL := res.AudioURL
	if audioURL == "" && len(f.audio) > 0 {
		u, err := r.clips.Put(r.id, f.audio)
		if err != nil {
			r.logger.Warn("storing audio clip", zap.Int("bytes", len(f.audio)), zap.Error(err))
		} else {
			audioURL = u
		}
	}
	m := r.appendLocked(NarratorID, NarratorName, strings.TrimSpace(res.Text), false, audioURL)
	r.turnState = TurnOpen
	if f.stream != nil {
		f.stream.End(m.View())
	} else {
		r.relay.Broadcast(protocol.Chat{Message: m.View()})
	}
	if audioURL != "" {
		r.relay.Broadcast(protocol.Audio{URL: audioURL})
	}
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
	r.checkpointLocked()
}

// fail reopens the turn without a narrator message. Player actions already
// committed stay in the log and become pending again so the turn can be retried.
func (r *Room) fail(f *inflight, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight != f {
		return
	}
	r.inflight = nil
	if f.stream != nil {
		f.stream.Abort()
	}
	r.turnState = TurnOpen

	switch f.kind {
	case narrative.KindTurn:
		for _, a := range f.actions {
			a.order = r.nextOrder
			r.nextOrder++
			r.pending[a.PlayerID] = &a
		}
		r.relay.Broadcast(protocol.System{Message: fmt.Sprintf("Error: %s. Your actions are kept; submit the turn to try again.", cause)})
	case narrative.KindOpening:
		m := r.appendLocked(NarratorID, NarratorName, r.opts.FallbackOpening, false, "")
		r.relay.Broadcast(protocol.System{Message: fmt.Sprintf("Error: %s. Starting with a default opening.", cause)})
		r.relay.Broadcast(protocol.Chat{Message: m.View()})
		r.checkpointLocked()
	case narrative.KindRecap:
		r.relay.Broadcast(protocol.System{Message: fmt.Sprintf("Error: %s. The game has resumed without a recap.", cause)})
	}
	r.relay.Broadcast(protocol.StateUpdate{Room: r.viewLocked()})
}

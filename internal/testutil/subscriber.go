package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/cory-johannsen/vdm/internal/protocol"
)

// Recorder is a relay subscriber that keeps every frame it is given.
type Recorder struct {
	id       string
	playerID string

	mu     sync.Mutex
	frames []protocol.Outbound
	closed bool
	notify chan struct{}
}

// NewRecorder returns a Recorder with the given session and player ids.
func NewRecorder(id, playerID string) *Recorder {
	return &Recorder{id: id, playerID: playerID, notify: make(chan struct{}, 1)}
}

// ID returns the session id.
func (r *Recorder) ID() string { return r.id }

// PlayerID returns the bound player id.
func (r *Recorder) PlayerID() string { return r.playerID }

// Deliver records out. A closed Recorder rejects frames.
func (r *Recorder) Deliver(out protocol.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder closed")
	}
	r.frames = append(r.frames, out)
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close makes subsequent deliveries fail.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Outbound, len(r.frames))
	copy(out, r.frames)
	return out
}

// Kinds returns the kind of every recorded frame in order.
func (r *Recorder) Kinds() []protocol.OutboundKind {
	frames := r.Frames()
	kinds := make([]protocol.OutboundKind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind()
	}
	return kinds
}

// Chunks returns the content of every recorded chat_chunk in order.
func (r *Recorder) Chunks() []string {
	var chunks []string
	for _, f := range r.Frames() {
		if c, ok := f.(protocol.ChatChunk); ok {
			chunks = append(chunks, c.Content)
		}
	}
	return chunks
}

// Systems returns the text of every recorded system frame in order.
func (r *Recorder) Systems() []string {
	var msgs []string
	for _, f := range r.Frames() {
		if s, ok := f.(protocol.System); ok {
			msgs = append(msgs, s.Message)
		}
	}
	return msgs
}

// LastState returns the most recent state_update, if any.
func (r *Recorder) LastState() (protocol.RoomView, bool) {
	frames := r.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if s, ok := frames[i].(protocol.StateUpdate); ok {
			return s.Room, true
		}
	}
	return protocol.RoomView{}, false
}

// Reset discards the recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

// WaitFor polls until cond holds for the recorded frames or timeout elapses.
//
// Postcondition: Returns true if cond was satisfied.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]protocol.Outbound) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r.Frames()) {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			return cond(r.Frames())
		}
	}
}

// HasKind is a WaitFor condition matching any frame of kind.
func HasKind(kind protocol.OutboundKind) func([]protocol.Outbound) bool {
	return func(frames []protocol.Outbound) bool {
		for _, f := range frames {
			if f.Kind() == kind {
				return true
			}
		}
		return false
	}
}

// Package relay fans room events out to the sessions subscribed to a room.
//
// A Relay never blocks: delivery is a push into each subscriber's own ordered
// queue. Callers serialize all relay calls for one room (the room holds its lock
// while publishing), so every subscriber observes frames in the same relative order.
package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/protocol"
)

// Subscriber receives frames for one transport connection.
type Subscriber interface {
	// ID uniquely identifies the subscription (the session id).
	ID() string
	// PlayerID is the player the subscription is bound to.
	PlayerID() string
	// Deliver enqueues a frame without blocking. An error means the frame was
	// not accepted and the subscriber is going away.
	Deliver(out protocol.Outbound) error
}

// Relay tracks the subscribers of a single room.
type Relay struct {
	mu     sync.Mutex
	roomID string
	subs   map[string]Subscriber
	order  []string // subscription order; fan-out walks it
	stream *Stream
	logger *zap.Logger
}

// New creates an empty Relay for roomID.
//
// Precondition: logger must be non-nil.
func New(roomID string, logger *zap.Logger) *Relay {
	return &Relay{
		roomID: roomID,
		subs:   make(map[string]Subscriber),
		logger: logger,
	}
}

// Subscribe registers s. Re-subscribing an existing id is a no-op.
func (r *Relay) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.ID()]; ok {
		return
	}
	r.subs[s.ID()] = s
	r.order = append(r.order, s.ID())
}

// Unsubscribe removes the subscriber with the given id.
//
// Postcondition: Returns true if the subscriber was registered.
func (r *Relay) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Subscribed reports whether id is currently registered.
func (r *Relay) Subscribed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}

// HasPlayer reports whether any subscriber is bound to playerID.
func (r *Relay) HasPlayer(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.PlayerID() == playerID {
			return true
		}
	}
	return false
}

// Len returns the number of subscribers.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast delivers out to every subscriber.
func (r *Relay) Broadcast(out protocol.Outbound) {
	r.BroadcastExcept("", out)
}

// BroadcastExcept delivers out to every subscriber other than exceptID.
func (r *Relay) BroadcastExcept(exceptID string, out protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if id == exceptID {
			continue
		}
		r.deliverLocked(r.subs[id], out)
	}
}

// Send delivers out to a single subscriber if it is still registered.
func (r *Relay) Send(id string, out protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		r.deliverLocked(s, out)
	}
}

func (r *Relay) deliverLocked(s Subscriber, out protocol.Outbound) {
	if err := s.Deliver(out); err != nil {
		r.logger.Debug("frame not delivered",
			zap.String("room_id", r.roomID),
			zap.String("session_id", s.ID()),
			zap.String("kind", string(out.Kind())),
			zap.Error(err),
		)
	}
}

package session

import (
	"errors"
	"sync"

	"github.com/cory-johannsen/vdm/internal/protocol"
)

var (
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("session: outbox closed")
	// ErrOutboxFull is returned by Push when the consumer has fallen behind.
	ErrOutboxFull = errors.New("session: outbox full")
)

// Outbox is the bounded, ordered queue of frames waiting to be written to
// one connection. Push never blocks.
type Outbox struct {
	frames chan protocol.Outbound
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox holding up to size frames.
//
// Postcondition: size <= 0 selects a default of 256.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{frames: make(chan protocol.Outbound, size)}
}

// Push enqueues out.
//
// Postcondition: Returns ErrOutboxClosed or ErrOutboxFull if out was not enqueued.
func (o *Outbox) Push(out protocol.Outbound) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.frames <- out:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Frames returns the queue. It is closed, after any remaining frames, once
// Close has been called.
func (o *Outbox) Frames() <-chan protocol.Outbound {
	return o.frames
}

// Close stops the queue.
//
// Postcondition: Returns true only for the call that closed it.
func (o *Outbox) Close() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	close(o.frames)
	return true
}

// Closed reports whether Close has been called.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

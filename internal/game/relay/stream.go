package relay

import (
	"github.com/cory-johannsen/vdm/internal/protocol"
)

// Stream is one in-flight streamed response for a room.
//
// Content segments go only to the subscribers present when the stream was
// opened and still subscribed. A stream ends exactly once: End sends the
// final message to every current subscriber, Abort sends an empty stream_end
// to the members only.
type Stream struct {
	relay    *Relay
	members  map[string]struct{}
	started  bool
	closed   bool
	segments int
}

// Open starts a new stream that captures the current subscriber set. Any
// previously open stream is aborted.
//
// Postcondition: Returns an open Stream; nothing is sent until Start.
func (r *Relay) Open() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		r.stream.closed = true
	}
	members := make(map[string]struct{}, len(r.subs))
	for id := range r.subs {
		members[id] = struct{}{}
	}
	s := &Stream{relay: r, members: members}
	r.stream = s
	return s
}

// Start sends stream_start to the stream members. Calling Start twice is a no-op.
func (s *Stream) Start() {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	if s.closed || s.started {
		return
	}
	s.started = true
	s.fanoutLocked(protocol.StreamStart{})
}

// Text forwards one text segment.
//
// Postcondition: Returns false if the stream is already closed.
func (s *Stream) Text(chunk string) bool {
	return s.publish(protocol.ChatChunk{Content: chunk})
}

// Audio forwards one audio segment.
//
// Postcondition: Returns false if the stream is already closed.
func (s *Stream) Audio(chunk []byte) bool {
	return s.publish(protocol.AudioChunk{Chunk: chunk})
}

func (s *Stream) publish(out protocol.Outbound) bool {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	if s.closed {
		return false
	}
	s.segments++
	s.fanoutLocked(out)
	return true
}

// End closes the stream and sends stream_end carrying final to every
// current subscriber, including those that joined after Start.
//
// Postcondition: Returns false if the stream was already closed; no frame is sent then.
func (s *Stream) End(final protocol.MessageView) bool {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	if s.closed {
		return false
	}
	s.closeLocked()
	end := protocol.StreamEnd{FinalMessage: &final}
	for _, id := range s.relay.order {
		s.relay.deliverLocked(s.relay.subs[id], end)
	}
	return true
}

// Abort closes the stream without a committed message. Members still
// subscribed that saw stream_start receive a stream_end with a null
// final_message.
func (s *Stream) Abort() {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	if s.closed {
		return
	}
	s.closeLocked()
	if s.started {
		s.fanoutLocked(protocol.StreamEnd{})
	}
}

// Closed reports whether End or Abort has been called.
func (s *Stream) Closed() bool {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	return s.closed
}

// Segments returns the number of content segments published.
func (s *Stream) Segments() int {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	return s.segments
}

func (s *Stream) closeLocked() {
	s.closed = true
	if s.relay.stream == s {
		s.relay.stream = nil
	}
}

func (s *Stream) fanoutLocked(out protocol.Outbound) {
	for _, id := range s.relay.order {
		if _, ok := s.members[id]; !ok {
			continue
		}
		s.relay.deliverLocked(s.relay.subs[id], out)
	}
}

// Package narrative defines the contract between a room and the collaborator
// that writes the story, together with the backends that implement it.
package narrative

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a backend completes without producing text.
var ErrEmptyResponse = errors.New("narrative: empty response")

// RequestKind selects which prompt a request is rendered with.
type RequestKind int

const (
	// KindTurn resolves one turn of player actions.
	KindTurn RequestKind = iota
	// KindOpening writes the opening scene of a new game.
	KindOpening
	// KindRecap summarizes the story so far for a resumed game.
	KindRecap
)

// String returns the lowercase name of k.
func (k RequestKind) String() string {
	switch k {
	case KindTurn:
		return "turn"
	case KindOpening:
		return "opening"
	case KindRecap:
		return "recap"
	default:
		return "unknown"
	}
}

// Action is one player's submission for the turn being resolved.
type Action struct {
	PlayerID   string
	PlayerName string
	Text       string
}

// ContextMessage is one entry of recent history handed to the generator.
type ContextMessage struct {
	AuthorID   string
	AuthorName string
	Content    string
	Narrator   bool
}

// Request is everything a backend needs to produce one response.
type Request struct {
	RoomID  string
	Kind    RequestKind
	Actions []Action
	History []ContextMessage
}

// SegmentKind tags an incremental piece of output.
type SegmentKind int

const (
	// SegmentText carries a text fragment.
	SegmentText SegmentKind = iota
	// SegmentAudio carries an opaque audio fragment.
	SegmentAudio
)

// Segment is one incremental piece of a response, emitted in production order.
type Segment struct {
	Kind  SegmentKind
	Text  string
	Audio []byte
}

// TextSegment returns a text Segment.
func TextSegment(s string) Segment { return Segment{Kind: SegmentText, Text: s} }

// AudioSegment returns an audio Segment.
func AudioSegment(b []byte) Segment { return Segment{Kind: SegmentAudio, Audio: b} }

// Result is the final response of a successful generation.
type Result struct {
	// Text is the complete response; it equals the concatenation of the text segments.
	Text string
	// AudioURL optionally points at pre-rendered audio for the whole response.
	AudioURL string
}

// Emit receives segments as they are produced. A non-nil error tells the
// backend to stop; the consumer is no longer interested.
type Emit func(Segment) error

// Generator produces a narrative response for a request.
//
// Implementations must emit segments in order, must honor ctx cancellation,
// and must stop when emit returns an error.
type Generator interface {
	Generate(ctx context.Context, req Request, emit Emit) (Result, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request, emit Emit) (Result, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request, emit Emit) (Result, error) {
	return f(ctx, req, emit)
}

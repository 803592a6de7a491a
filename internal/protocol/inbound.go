// Package protocol defines the frames exchanged between clients and the room
// server over a persistent websocket connection.
//
// Every frame is a JSON envelope {"kind": <kind>, "payload": {...}}. Inbound and
// outbound frames are closed sets of variants: adding a kind means adding a type
// that implements the sealed interface and a case to the codec switch.
package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformed is returned by DecodeInbound for frames that are not valid envelopes.
var ErrMalformed = errors.New("malformed frame")

// InboundKind tags a client-to-server frame.
type InboundKind string

// Inbound kinds accepted from clients.
const (
	KindSay        InboundKind = "say"
	KindSubmitTurn InboundKind = "submit_turn"
	KindStartGame  InboundKind = "start_game"
	KindResumeGame InboundKind = "resume_game"
)

// Inbound is a decoded client frame. The set of implementations is closed.
type Inbound interface {
	Kind() InboundKind
	isInbound()
}

// Say carries free text: a declared action or a slash command.
type Say struct {
	Message string
}

// SubmitTurn asks the room to resolve the current turn.
type SubmitTurn struct{}

// StartGame asks the room owner's room to leave the lobby.
type StartGame struct{}

// ResumeGame asks the room to recap a reloaded session.
type ResumeGame struct{}

func (Say) Kind() InboundKind        { return KindSay }
func (SubmitTurn) Kind() InboundKind { return KindSubmitTurn }
func (StartGame) Kind() InboundKind  { return KindStartGame }
func (ResumeGame) Kind() InboundKind { return KindResumeGame }

func (Say) isInbound()        {}
func (SubmitTurn) isInbound() {}
func (StartGame) isInbound()  {}
func (ResumeGame) isInbound() {}

// DecodeInbound parses a raw client frame.
//
// Precondition: data is a single websocket text message.
// Postcondition: Returns one of Say, SubmitTurn, StartGame, ResumeGame, or an
// error wrapping ErrMalformed.
func DecodeInbound(data []byte) (Inbound, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	kind := gjson.GetBytes(data, "kind")
	if kind.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	payload := gjson.GetBytes(data, "payload")
	if payload.Exists() && !payload.IsObject() {
		return nil, fmt.Errorf("%w: payload must be an object", ErrMalformed)
	}

	switch InboundKind(kind.Str) {
	case KindSay:
		msg := payload.Get("message")
		if msg.Type != gjson.String {
			return nil, fmt.Errorf("%w: say requires a string message", ErrMalformed)
		}
		return Say{Message: msg.Str}, nil
	case KindSubmitTurn:
		return SubmitTurn{}, nil
	case KindStartGame:
		return StartGame{}, nil
	case KindResumeGame:
		return ResumeGame{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, kind.Str)
	}
}

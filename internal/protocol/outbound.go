package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboundKind tags a server-to-client frame.
type OutboundKind string

// Outbound kinds sent to clients.
const (
	KindSystem      OutboundKind = "system"
	KindStateUpdate OutboundKind = "state_update"
	KindChat        OutboundKind = "chat"
	KindChatHistory OutboundKind = "chat_history"
	KindStreamStart OutboundKind = "stream_start"
	KindChatChunk   OutboundKind = "chat_chunk"
	KindAudioChunk  OutboundKind = "audio_chunk"
	KindStreamEnd   OutboundKind = "stream_end"
	KindAudio       OutboundKind = "audio"
)

// Outbound is a frame destined for one or more sessions. The set of
// implementations is closed.
type Outbound interface {
	Kind() OutboundKind
	isOutbound()
}

// PlayerView is the public projection of a roster entry.
type PlayerView struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar_style"`
	Active   bool      `json:"is_active"`
	LastSeen time.Time `json:"last_seen"`
}

// MessageView is the public projection of a committed log entry.
type MessageView struct {
	Seq        uint64    `json:"seq"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	IsOOC      bool      `json:"is_ooc"`
	AudioURL   string    `json:"audio_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoomView is the authoritative room snapshot broadcast in state_update.
// Submitted lists which players have a pending action, never the action text.
type RoomView struct {
	RoomID       string       `json:"room_id"`
	OwnerID      string       `json:"owner_id"`
	GameState    string       `json:"game_state"`
	TurnState    string       `json:"turn_state"`
	Players      []PlayerView `json:"players"`
	Submitted    []string     `json:"submitted"`
	MessageCount int          `json:"message_count"`
	LastSeq      uint64       `json:"last_seq"`
}

// System is a human-readable notice or error.
type System struct {
	Message string `json:"message"`
}

// StateUpdate carries a full room snapshot.
type StateUpdate struct {
	Room RoomView
}

// Chat carries one committed, non-streamed message.
type Chat struct {
	Message MessageView
}

// ChatHistory carries the ordered message log; sent once on join.
type ChatHistory struct {
	Messages []MessageView `json:"messages"`
}

// StreamStart opens a streamed narrator response.
type StreamStart struct{}

// ChatChunk is one incremental text segment of a streamed response.
type ChatChunk struct {
	Content string `json:"content"`
}

// AudioChunk is one opaque audio segment; encoded as base64 on the wire.
type AudioChunk struct {
	Chunk []byte `json:"chunk"`
}

// StreamEnd closes a streamed response with the committed narrator message.
// FinalMessage is null when generation failed; no message was committed and
// the chunks already received should be discarded.
type StreamEnd struct {
	FinalMessage *MessageView `json:"final_message"`
}

// Audio points at pre-rendered audio for a non-streamed message.
type Audio struct {
	URL string `json:"url"`
}

func (System) Kind() OutboundKind      { return KindSystem }
func (StateUpdate) Kind() OutboundKind { return KindStateUpdate }
func (Chat) Kind() OutboundKind        { return KindChat }
func (ChatHistory) Kind() OutboundKind { return KindChatHistory }
func (StreamStart) Kind() OutboundKind { return KindStreamStart }
func (ChatChunk) Kind() OutboundKind   { return KindChatChunk }
func (AudioChunk) Kind() OutboundKind  { return KindAudioChunk }
func (StreamEnd) Kind() OutboundKind   { return KindStreamEnd }
func (Audio) Kind() OutboundKind       { return KindAudio }

func (System) isOutbound()      {}
func (StateUpdate) isOutbound() {}
func (Chat) isOutbound()        {}
func (ChatHistory) isOutbound() {}
func (StreamStart) isOutbound() {}
func (ChatChunk) isOutbound()   {}
func (AudioChunk) isOutbound()  {}
func (StreamEnd) isOutbound()   {}
func (Audio) isOutbound()       {}

type envelope struct {
	Kind    OutboundKind `json:"kind"`
	Payload any          `json:"payload"`
}

// Encode serializes an outbound frame into its JSON envelope.
//
// Postcondition: Returns the encoded frame, or an error for a nil or unknown frame.
func Encode(out Outbound) ([]byte, error) {
	var payload any
	switch o := out.(type) {
	case System:
		payload = o
	case StateUpdate:
		payload = o.Room
	case Chat:
		payload = o.Message
	case ChatHistory:
		if o.Messages == nil {
			o.Messages = []MessageView{}
		}
		payload = o
	case StreamStart:
		payload = struct{}{}
	case ChatChunk:
		payload = o
	case AudioChunk:
		payload = o
	case StreamEnd:
		payload = o
	case Audio:
		payload = o
	default:
		return nil, fmt.Errorf("encoding frame: unsupported outbound type %T", out)
	}
	data, err := json.Marshal(envelope{Kind: out.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", out.Kind(), err)
	}
	return data, nil
}

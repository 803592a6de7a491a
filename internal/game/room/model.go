package room

import (
	"time"

	"github.com/cory-johannsen/vdm/internal/protocol"
)

// NarratorID is the author id of every narrator message.
const NarratorID = "narrator"

// NarratorName is the display name of the narrator.
const NarratorName = "Dungeon Master"

// GameState is the lifecycle phase of a room.
type GameState string

const (
	// GameLobby is the phase before the owner starts the game.
	GameLobby GameState = "LOBBY"
	// GameActive is the phase in which turns are played.
	GameActive GameState = "ACTIVE"
)

// TurnState is the phase of the current turn.
type TurnState string

const (
	// TurnOpen accepts player actions.
	TurnOpen TurnState = "OPEN"
	// TurnResolving means a response is being generated; no actions are accepted.
	TurnResolving TurnState = "RESOLVING"
)

// Player is a roster entry. Its id is the account id and survives reconnects.
type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar_style"`
	Active   bool      `json:"is_active"`
	LastSeen time.Time `json:"last_seen"`
}

// Profile is the identity a session attaches to a room with.
type Profile struct {
	ID     string
	Name   string
	Avatar string
}

// Message is one append-only log entry.
type Message struct {
	Seq        uint64    `json:"seq"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	IsOOC      bool      `json:"is_ooc"`
	AudioURL   string    `json:"audio_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// View returns the wire projection of m.
func (m Message) View() protocol.MessageView {
	return protocol.MessageView{
		Seq:        m.Seq,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		IsOOC:      m.IsOOC,
		AudioURL:   m.AudioURL,
		CreatedAt:  m.CreatedAt,
	}
}

// PendingAction is a player's submission for the current turn.
//
// Committed is set once the action has been appended to the log by a
// dispatch whose generation then failed; a retry reuses it without
// appending it again.
type PendingAction struct {
	PlayerID   string `json:"player_id"`
	Text       string `json:"text"`
	Committed  bool   `json:"committed,omitempty"`
	MessageSeq uint64 `json:"message_seq,omitempty"`
	order      uint64
}

// Record is the persisted snapshot of a room.
type Record struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	GameState GameState       `json:"game_state"`
	TurnState TurnState       `json:"turn_state"`
	Players   []Player        `json:"players"`
	Messages  []Message       `json:"messages"`
	Pending   []PendingAction `json:"pending"`
	NextSeq   uint64          `json:"next_seq"`
	SavedAt   time.Time       `json:"saved_at"`
}

package narrative

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts are the templates the narrator is instructed with.
type Prompts struct {
	// System instructs the narrator during ordinary turns.
	System string `yaml:"system"`
	// Setup instructs the narrator when writing the opening scene.
	Setup string `yaml:"setup"`
	// Resume instructs the narrator when recapping a resumed game.
	Resume string `yaml:"resume"`
	// OpeningRequest is the user turn that asks for the opening scene.
	OpeningRequest string `yaml:"opening_request"`
	// TurnInstruction follows the consolidated actions of a turn.
	TurnInstruction string `yaml:"turn_instruction"`
	// RecapRequest is the user turn that asks for a recap.
	RecapRequest string `yaml:"recap_request"`
	// FallbackOpening is used when the opening scene cannot be generated.
	FallbackOpening string `yaml:"fallback_opening"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	return Prompts{
		System: "You are the Dungeon Master of a collaborative tabletop role-playing game. " +
			"Narrate vividly in the second person plural, keep each response under 250 words, " +
			"resolve every player's action fairly and end by asking the party what they do next.",
		Setup: "You are the Dungeon Master preparing a new tabletop role-playing adventure. " +
			"Greet the players warmly and set an evocative opening scene.",
		Resume: "You are the Dungeon Master resuming an adventure after a break. " +
			"Summarize what has happened so far in a few sentences.",
		OpeningRequest:  "Begin the game by greeting the players and describing the opening scene.",
		TurnInstruction: "Based on the above inputs, generate the next part of the story.",
		RecapRequest:    "Based on the recent history, provide a summary and ask what we do next.",
		FallbackOpening: "The adventure begins. Your party stands at the edge of the unknown. What do you do?",
	}
}

// LoadPrompts reads templates from a YAML file. Keys missing from the file
// keep their default value.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns Prompts with every template non-empty, or an error.
func LoadPrompts(path string) (Prompts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("reading prompts %s: %w", path, err)
	}
	p := DefaultPrompts()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompts{}, fmt.Errorf("parsing prompts %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Prompts{}, fmt.Errorf("prompts %s: %w", path, err)
	}
	return p, nil
}

// Validate reports every empty template.
func (p Prompts) Validate() error {
	var errs []error
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	check("system", p.System)
	check("setup", p.Setup)
	check("resume", p.Resume)
	check("opening_request", p.OpeningRequest)
	check("turn_instruction", p.TurnInstruction)
	check("recap_request", p.RecapRequest)
	check("fallback_opening", p.FallbackOpening)
	return errors.Join(errs...)
}

// Role is the speaker of a prompt turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one conversational turn of a rendered prompt.
type Turn struct {
	Role    Role
	Content string
}

// Prompt is a request rendered for a chat-style model.
type Prompt struct {
	System string
	Turns  []Turn
}

// Build renders req. History becomes alternating turns with narrator
// messages as the assistant; the turn's actions are consolidated into a
// single trailing user block. Adjacent turns of the same role are merged
// and the first turn is always a user turn.
func (p Prompts) Build(req Request) Prompt {
	var out Prompt
	var turns []Turn
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Narrator {
			turns = append(turns, Turn{Role: RoleAssistant, Content: m.Content})
			continue
		}
		turns = append(turns, Turn{Role: RoleUser, Content: fmt.Sprintf("[%s]: %s", m.AuthorName, m.Content)})
	}

	switch req.Kind {
	case KindOpening:
		out.System = p.Setup
		turns = append(turns, Turn{Role: RoleUser, Content: p.OpeningRequest})
	case KindRecap:
		out.System = p.Resume
		turns = append(turns, Turn{Role: RoleUser, Content: p.RecapRequest})
	default:
		out.System = p.System
		var b strings.Builder
		b.WriteString("Here are the actions for the current turn:\n")
		for _, a := range req.Actions {
			fmt.Fprintf(&b, "[%s]: %s\n", a.PlayerName, a.Text)
		}
		b.WriteString("\n")
		b.WriteString(p.TurnInstruction)
		turns = append(turns, Turn{Role: RoleUser, Content: b.String()})
	}

	out.Turns = coalesce(turns)
	if len(out.Turns) > 0 && out.Turns[0].Role != RoleUser {
		out.Turns = append([]Turn{{Role: RoleUser, Content: "The story so far:"}}, out.Turns...)
	}
	return out
}

func coalesce(turns []Turn) []Turn {
	var out []Turn
	for _, t := range turns {
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content = strings.TrimSpace(out[n-1].Content + "\n\n" + t.Content)
			continue
		}
		out = append(out, t)
	}
	return out
}

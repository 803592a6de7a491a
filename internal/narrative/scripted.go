package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scripted is an offline Generator that composes deterministic narration
// from the request itself. It streams word by word, optionally paced.
type Scripted struct {
	prompts Prompts
	delay   time.Duration
}

// NewScripted returns a Scripted generator. delay paces each emitted word.
func NewScripted(prompts Prompts, delay time.Duration) *Scripted {
	return &Scripted{prompts: prompts, delay: delay}
}

// Generate implements Generator.
func (s *Scripted) Generate(ctx context.Context, req Request, emit Emit) (Result, error) {
	text := s.compose(req)
	for _, word := range strings.SplitAfter(text, " ") {
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(s.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := emit(TextSegment(word)); err != nil {
			return Result{}, err
		}
	}
	return Result{Text: text}, nil
}

func (s *Scripted) compose(req Request) string {
	switch req.Kind {
	case KindOpening:
		return s.prompts.FallbackOpening
	case KindRecap:
		for i := len(req.History) - 1; i >= 0; i-- {
			if req.History[i].Narrator {
				return "Previously: " + req.History[i].Content + " What do you do next?"
			}
		}
		return "The party gathers again. What do you do next?"
	}
	var b strings.Builder
	for i, a := range req.Actions {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s attempts to %s.", a.PlayerName, strings.TrimRight(a.Text, ".!?"))
	}
	b.WriteString(" The world shifts in response. What do you do next?")
	return b.String()
}

package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// AnthropicConfig selects the model used by AnthropicGenerator.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// AnthropicGenerator streams narration from the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	prompts   Prompts
	logger    *zap.Logger
}

// NewAnthropicGenerator builds a generator. Extra request options are
// appended after the API key, so tests may redirect the base URL.
//
// Precondition: cfg.Model must be non-empty and cfg.MaxTokens positive.
func NewAnthropicGenerator(cfg AnthropicConfig, prompts Prompts, logger *zap.Logger, opts ...option.RequestOption) *AnthropicGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	reqOpts = append(reqOpts, opts...)
	return &AnthropicGenerator{
		client:    anthropic.NewClient(reqOpts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		prompts:   prompts,
		logger:    logger,
	}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, req Request, emit Emit) (Result, error) {
	start := time.Now()
	prompt := g.prompts.Build(req)

	msgs := make([]anthropic.MessageParam, 0, len(prompt.Turns))
	for _, t := range prompt.Turns {
		block := anthropic.NewTextBlock(t.Content)
		if t.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	stream := g.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: prompt.System}},
		Messages:  msgs,
	})
	defer stream.Close()

	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				if err := emit(TextSegment(delta.Text)); err != nil {
					return Result{}, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, fmt.Errorf("streaming %s completion: %w", req.Kind, err)
	}

	g.logger.Debug("completion streamed",
		zap.String("room_id", req.RoomID),
		zap.String("kind", req.Kind.String()),
		zap.Int("chars", text.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	if strings.TrimSpace(text.String()) == "" {
		return Result{}, ErrEmptyResponse
	}
	return Result{Text: text.String()}, nil
}

package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Synthesizer renders text to audio. Audio is delivered through emit as an
// ordered sequence of opaque chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, emit func([]byte) error) error
}

// Voiced decorates a Generator so that every completed sentence of text is
// followed by its synthesized audio. A synthesis failure loses the audio of
// that sentence only.
type Voiced struct {
	Generator
	synth  Synthesizer
	logger *zap.Logger
}

// NewVoiced wraps gen with synth.
//
// Precondition: gen, synth and logger must be non-nil.
func NewVoiced(gen Generator, synth Synthesizer, logger *zap.Logger) *Voiced {
	return &Voiced{Generator: gen, synth: synth, logger: logger}
}

// Generate implements Generator.
func (v *Voiced) Generate(ctx context.Context, req Request, emit Emit) (Result, error) {
	var pending strings.Builder
	speak := func(text string) error {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		var emitErr error
		err := v.synth.Synthesize(ctx, text, func(chunk []byte) error {
			emitErr = emit(AudioSegment(chunk))
			return emitErr
		})
		if emitErr != nil {
			return emitErr
		}
		if err != nil {
			v.logger.Warn("speech synthesis failed", zap.String("room_id", req.RoomID), zap.Error(err))
		}
		return nil
	}

	res, err := v.Generator.Generate(ctx, req, func(seg Segment) error {
		if err := emit(seg); err != nil {
			return err
		}
		if seg.Kind != SegmentText {
			return nil
		}
		pending.WriteString(seg.Text)
		if i := lastSentenceEnd(pending.String()); i >= 0 {
			done := pending.String()[:i+1]
			rest := pending.String()[i+1:]
			pending.Reset()
			pending.WriteString(rest)
			return speak(done)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := speak(pending.String()); err != nil {
		return Result{}, err
	}
	return res, nil
}

func lastSentenceEnd(s string) int {
	return strings.LastIndexAny(s, ".!?\n")
}

var (
	ttsEmphasis = regexp.MustCompile(`[*_]`)
	ttsBrackets = regexp.MustCompile(`\[.*?\]|\(.*?\)`)
	ttsSpace    = regexp.MustCompile(`\s+`)
)

// SanitizeForSpeech strips markdown emphasis and bracketed asides.
func SanitizeForSpeech(text string) string {
	text = ttsEmphasis.ReplaceAllString(text, "")
	text = ttsBrackets.ReplaceAllString(text, "")
	return strings.TrimSpace(ttsSpace.ReplaceAllString(text, " "))
}

// HTTPSynthesizer posts text to a speech service and relays the response
// body as audio chunks.
type HTTPSynthesizer struct {
	url       string
	voice     string
	chunkSize int
	client    *http.Client
}

// NewHTTPSynthesizer returns a synthesizer for the service at url.
//
// Precondition: url must be an absolute http(s) URL.
func NewHTTPSynthesizer(url, voice string, chunkSize int, timeout time.Duration) *HTTPSynthesizer {
	if chunkSize <= 0 {
		chunkSize = 16 * 1024
	}
	return &HTTPSynthesizer{
		url:       url,
		voice:     voice,
		chunkSize: chunkSize,
		client:    &http.Client{Timeout: timeout},
	}
}

type synthRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Synthesize implements Synthesizer.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string, emit func([]byte) error) error {
	text = SanitizeForSpeech(text)
	if text == "" {
		return nil
	}
	body, err := json.Marshal(synthRequest{Text: text, Voice: s.voice})
	if err != nil {
		return fmt.Errorf("encoding speech request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting speech: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("speech service returned %s", resp.Status)
	}

	buf := make([]byte, s.chunkSize)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if emitErr := emit(chunk); emitErr != nil {
				return emitErr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading speech: %w", err)
		}
	}
}

package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini implements Connector on the Gemini API.
type Gemini struct {
	client       *genai.Client
	model        string
	systemPrompt string
	temperature  float32
}

// GeminiOption customizes the connector.
type GeminiOption func(*Gemini)

// WithModel overrides the default model.
func WithModel(model string) GeminiOption {
	return func(g *Gemini) { g.model = model }
}

// WithSystemPrompt sets the system instruction applied to every generation.
func WithSystemPrompt(prompt string) GeminiOption {
	return func(g *Gemini) { g.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) GeminiOption {
	return func(g *Gemini) { g.temperature = t }
}

// NewGemini creates a Gemini connector.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	g := &Gemini{
		client:      client,
		model:       defaultGeminiModel,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Generate streams a completion for the history.
func (g *Gemini) Generate(ctx context.Context, history []Turn) (Stream, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("generate: empty history")
	}

	contents := historyToContents(history)
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if g.systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &geminiStream{
		events: make(chan pipeline.Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}

	go func() {
		defer close(s.events)

		failed := false
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					s.emit(&pipeline.ProviderError{Stage: pipeline.StageResponse, Err: err})
				}
				failed = true
				break
			}
			if text := resp.Text(); text != "" {
				s.emit(pipeline.ResponseToken{Text: text})
			}
		}
		if !failed && ctx.Err() == nil {
			s.emit(pipeline.ResponseDone{})
		}
		s.emit(pipeline.Closed{Stage: pipeline.StageResponse})
	}()

	return s, nil
}

// historyToContents maps conversation turns onto the wire roles. Gemini
// calls the assistant side "model".
func historyToContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	return contents
}

type geminiStream struct {
	events chan pipeline.Event
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *geminiStream) emit(ev pipeline.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *geminiStream) Events() <-chan pipeline.Event { return s.events }

func (s *geminiStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	return nil
}

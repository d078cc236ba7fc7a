package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"

	// defaultMaxBufferDelayMs trades a little latency for smoother prosody
	// across sentence boundaries.
	defaultMaxBufferDelayMs = 500
)

var contextCounter atomic.Uint64

func nextContextID() string {
	return fmt.Sprintf("ctx_%d", contextCounter.Add(1))
}

// Cartesia implements Connector against Cartesia's streaming TTS API using
// continuation contexts, so each sentence continues the same utterance
// instead of starting a fresh generation.
type Cartesia struct {
	apiKey string
	dialer *websocket.Dialer
}

// NewCartesia creates a Cartesia TTS connector.
func NewCartesia(apiKey string) *Cartesia {
	return &Cartesia{
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *Cartesia) Name() string { return "cartesia" }

// Open dials the synthesis endpoint and starts the read loop.
func (c *Cartesia) Open(ctx context.Context, cfg Config) (Stream, error) {
	return c.open(ctx, cartesiaWSURL, cfg)
}

func (c *Cartesia) open(ctx context.Context, endpoint string, cfg Config) (Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	base := cartesiaRequest{
		ModelID: orDefault(cfg.Model, "sonic-3"),
		Voice:   cartesiaVoice{Mode: "id", ID: cfg.Voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
		ContextID:        nextContextID(),
		MaxBufferDelayMs: defaultMaxBufferDelayMs,
	}
	if cfg.Speed != 0 {
		base.GenerationConfig = &cartesiaGenerationConfig{Speed: cfg.Speed}
	}
	if cfg.Language != "" {
		base.Language = &cfg.Language
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &cartesiaStream{
		conn:   conn,
		base:   base,
		events: make(chan pipeline.Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type cartesiaStream struct {
	conn    *websocket.Conn
	base    cartesiaRequest
	events  chan pipeline.Event
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type cartesiaRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoice             `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	ContextID        string                    `json:"context_id"`
	Continue         bool                      `json:"continue"`
	MaxBufferDelayMs int                       `json:"max_buffer_delay_ms,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
	Language         *string                   `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

type cartesiaResponse struct {
	Type  string `json:"type"` // "chunk", "done", "flush_done", "error"
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// SendText continues the context with one more transcript chunk.
// continue=true must hold until the final chunk or the provider closes the
// context and rejects the rest of the response.
func (s *cartesiaStream) SendText(text string, final bool) error {
	if s.closed.Load() {
		return fmt.Errorf("tts stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	req := s.base
	req.Transcript = text
	req.Continue = !final
	return s.conn.WriteJSON(req)
}

func (s *cartesiaStream) readLoop() {
	defer close(s.events)

	for {
		var msg cartesiaResponse
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(&pipeline.ProviderError{Stage: pipeline.StageSynthesis, Err: err})
			}
			s.emit(pipeline.Closed{Stage: pipeline.StageSynthesis})
			return
		}

		switch msg.Type {
		case "chunk":
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				s.emit(&pipeline.ProviderError{
					Stage: pipeline.StageSynthesis,
					Err:   fmt.Errorf("decode audio: %w", err),
				})
				s.emit(pipeline.Closed{Stage: pipeline.StageSynthesis})
				return
			}
			s.emit(pipeline.SynthesisFrame{Data: audio})
		case "done":
			s.emit(pipeline.SynthesisDone{})
			s.emit(pipeline.Closed{Stage: pipeline.StageSynthesis})
			return
		case "flush_done":
			// Buffered audio flushed, more may follow.
		case "error":
			s.emit(&pipeline.ProviderError{
				Stage: pipeline.StageSynthesis,
				Err:   fmt.Errorf("cartesia: %s", msg.Error),
			})
			s.emit(pipeline.Closed{Stage: pipeline.StageSynthesis})
			return
		}
	}
}

func (s *cartesiaStream) emit(ev pipeline.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *cartesiaStream) Events() <-chan pipeline.Event { return s.events }

func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
)

// Cartesia implements Connector against Cartesia's streaming STT API.
type Cartesia struct {
	apiKey string
	dialer *websocket.Dialer
}

// NewCartesia creates a Cartesia STT connector.
func NewCartesia(apiKey string) *Cartesia {
	return &Cartesia{
		apiKey: apiKey,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *Cartesia) Name() string { return "cartesia" }

// Open dials the streaming endpoint and starts the read loop.
func (c *Cartesia) Open(ctx context.Context, cfg Config) (Stream, error) {
	return c.open(ctx, cartesiaWSURL, cfg)
}

func (c *Cartesia) open(ctx context.Context, endpoint string, cfg Config) (Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	q := u.Query()
	q.Set("model", orDefault(cfg.Model, "ink-whisper"))
	q.Set("language", orDefault(cfg.Language, "en"))
	q.Set("encoding", orDefault(cfg.Encoding, "pcm_s16le"))
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	// Silence commit is handled upstream, so leave max_silence unset and let
	// interim transcripts stream continuously.
	q.Set("min_volume", "0.01")
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &cartesiaStream{
		conn:   conn,
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
	events  chan pipeline.Event
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type cartesiaMessage struct {
	Type     string  `json:"type"` // "transcript", "flush_done", "done", "error"
	Text     string  `json:"text"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"` // seconds of audio consumed
	Error    string  `json:"error"`
}

func (s *cartesiaStream) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(&pipeline.ProviderError{Stage: pipeline.StageTranscription, Err: err})
			}
			s.emit(pipeline.Closed{Stage: pipeline.StageTranscription})
			return
		}

		var msg cartesiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			ts := time.Duration(msg.Duration * float64(time.Second))
			if msg.IsFinal {
				s.emit(pipeline.FinalTranscript{Text: msg.Text, Timestamp: ts})
			} else {
				s.emit(pipeline.PartialTranscript{Text: msg.Text, Timestamp: ts})
			}
		case "flush_done":
			// Commit acknowledged.
		case "done":
			s.emit(pipeline.Closed{Stage: pipeline.StageTranscription})
			return
		case "error":
			s.emit(&pipeline.ProviderError{
				Stage: pipeline.StageTranscription,
				Err:   fmt.Errorf("cartesia: %s", msg.Error),
			})
			s.emit(pipeline.Closed{Stage: pipeline.StageTranscription})
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

func (s *cartesiaStream) SendAudio(frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("stt stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *cartesiaStream) Commit() error {
	if s.closed.Load() {
		return fmt.Errorf("stt stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

func (s *cartesiaStream) Events() <-chan pipeline.Event { return s.events }

func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}

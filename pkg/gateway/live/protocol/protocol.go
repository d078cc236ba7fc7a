// Package protocol defines the live WebSocket wire format. Clients send
// raw PCM audio as binary frames and control messages as JSON text frames;
// the server replies with JSON text frames carrying transcripts, base64
// audio chunks, budget warnings, and state changes.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Client control messages.

type ClientPause struct {
	Type string `json:"type"`
}

type ClientResume struct {
	Type string `json:"type"`
}

type ClientClose struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// DecodeClientMessage parses one JSON text frame into its typed control
// message. Binary frames carry audio and never pass through here.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "pause":
		var msg ClientPause
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid pause frame", "")
		}
		return msg, nil
	case "resume":
		var msg ClientResume
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid resume frame", "")
		}
		return msg, nil
	case "close":
		var msg ClientClose
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid close frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// AudioFormat describes the negotiated audio shape for one direction.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// Server messages.

type ServerLimits struct {
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
	SilenceCommitMS     int   `json:"silence_commit_ms"`
}

// ServerReady acknowledges the upgrade; the session is LIVE once sent.
type ServerReady struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	AudioIn         AudioFormat   `json:"audio_in"`
	AudioOut        AudioFormat   `json:"audio_out"`
	Limits          *ServerLimits `json:"limits,omitempty"`
}

// ServerTranscript carries partial or final transcription text.
type ServerTranscript struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
	IsFinal     bool   `json:"is_final"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

// ServerAudioChunk is one chunk of synthesized response audio. CycleID
// identifies the response cycle so stale chunks can be discarded after a
// barge-in. Final marks the last chunk of the cycle.
type ServerAudioChunk struct {
	Type     string `json:"type"`
	CycleID  string `json:"cycle_id"`
	Seq      int64  `json:"seq"`
	AudioB64 string `json:"audio_b64,omitempty"`
	Final    bool   `json:"final,omitempty"`
}

// ServerBudgetWarning fires once per dimension per session when
// utilization crosses the warn threshold.
type ServerBudgetWarning struct {
	Type      string  `json:"type"`
	Dimension string  `json:"dimension"`
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
}

// ServerSessionPaused reports a server-initiated pause, for example on
// budget exhaustion or repeated provider failures.
type ServerSessionPaused struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

func NewServerReady(sessionID string, in, out AudioFormat, limits *ServerLimits) ServerReady {
	return ServerReady{
		Type:            "ready",
		ProtocolVersion: ProtocolVersion1,
		SessionID:       sessionID,
		AudioIn:         in,
		AudioOut:        out,
		Limits:          limits,
	}
}

func NewServerTranscript(utteranceID, text string, isFinal bool, timestampMS int64) ServerTranscript {
	return ServerTranscript{
		Type:        "transcript",
		UtteranceID: utteranceID,
		IsFinal:     isFinal,
		Text:        text,
		TimestampMS: timestampMS,
	}
}

func NewServerAudioChunk(cycleID string, seq int64, audioB64 string, final bool) ServerAudioChunk {
	return ServerAudioChunk{
		Type:     "audio_chunk",
		CycleID:  cycleID,
		Seq:      seq,
		AudioB64: audioB64,
		Final:    final,
	}
}

func NewServerBudgetWarning(dimension string, used, limit float64) ServerBudgetWarning {
	return ServerBudgetWarning{
		Type:      "budget_warning",
		Dimension: dimension,
		Used:      used,
		Limit:     limit,
	}
}

func NewServerSessionPaused(reason string) ServerSessionPaused {
	return ServerSessionPaused{Type: "session_paused", Reason: reason}
}

func NewServerError(code, message, param string, close bool) ServerError {
	return ServerError{Type: "error", Code: code, Message: message, Param: param, Close: close}
}

// Package stt streams speech-to-text through a provider connector and
// surfaces results as pipeline events.
package stt

import (
	"context"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

// Config carries per-session transcription settings.
type Config struct {
	Model      string // provider-specific model (default: "ink-whisper")
	Language   string // ISO language code (default: "en")
	Encoding   string // PCM encoding (default: "pcm_s16le")
	SampleRate int    // audio sample rate in Hz (default: 16000)
}

// Connector opens live transcription streams against a provider.
type Connector interface {
	// Name returns the provider identifier.
	Name() string

	// Open establishes a streaming transcription session. The stream stays
	// open until Close or until the context is canceled.
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is a live transcription session. Events carries
// pipeline.PartialTranscript and pipeline.FinalTranscript interleaved in
// arrival order, pipeline.ProviderError on failures, and ends with a
// single pipeline.Closed before the channel closes.
type Stream interface {
	// SendAudio forwards a PCM frame to the provider.
	SendAudio(frame []byte) error

	// Commit flushes buffered audio so the provider finalizes the current
	// utterance without closing the stream.
	Commit() error

	// Events returns the event channel. Closed after the terminal
	// pipeline.Closed event.
	Events() <-chan pipeline.Event

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

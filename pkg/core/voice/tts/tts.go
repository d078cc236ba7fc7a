// Package tts streams text-to-speech synthesis through a provider
// connector and surfaces audio as pipeline events.
package tts

import (
	"context"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

// Config carries per-cycle synthesis settings.
type Config struct {
	Model      string  // provider-specific model (default: "sonic-3")
	Voice      string  // provider voice ID
	Language   string  // ISO language code
	SampleRate int     // output sample rate in Hz (default: 24000)
	Speed      float64 // playback speed multiplier, 0 means provider default
}

// Connector opens live synthesis streams against a provider.
type Connector interface {
	// Name returns the provider identifier.
	Name() string

	// Open establishes a synthesis stream. Text is sent incrementally and
	// audio flows back on Events until the final chunk has been rendered.
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is a live synthesis session. Events carries
// pipeline.SynthesisFrame in render order, a single pipeline.SynthesisDone
// when the final chunk has been rendered, pipeline.ProviderError on
// failures, and ends with pipeline.Closed before the channel closes.
type Stream interface {
	// SendText forwards a sentence for synthesis. final marks the last
	// chunk of the response; after it the provider drains and finishes.
	SendText(text string, final bool) error

	// Events returns the event channel.
	Events() <-chan pipeline.Event

	// Close abandons the stream, dropping any unrendered audio. Safe to
	// call more than once.
	Close() error
}

// Package pipeline defines the canonical event stream flowing between the
// provider connectors and the audio pipeline orchestrator. Events are
// ephemeral: they are created by connectors, consumed by exactly one
// session loop, and never persisted.
package pipeline

import (
	"fmt"
	"time"
)

// Stage identifies which pipeline stage produced an event or error.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageResponse      Stage = "response"
	StageSynthesis     Stage = "synthesis"
)

// Event is a closed tagged union over everything a connector can emit.
// Consumers switch over the concrete types; the unexported marker method
// keeps the set of variants closed to this package.
type Event interface {
	isEvent()
}

// PartialTranscript is provisional transcription text, overwritten by the
// next partial or superseded by a FinalTranscript.
type PartialTranscript struct {
	Text      string
	Timestamp time.Duration
}

// FinalTranscript is confirmed transcription text, appended immutably to
// the session history.
type FinalTranscript struct {
	Text      string
	Timestamp time.Duration
}

// ResponseToken is one incremental text chunk from the response stream.
type ResponseToken struct {
	Text string
}

// ResponseDone marks the end of a response generation stream.
type ResponseDone struct{}

// SynthesisFrame is one chunk of synthesized audio bytes.
type SynthesisFrame struct {
	Data []byte
}

// SynthesisDone marks the end of a synthesis stream.
type SynthesisDone struct{}

// ProviderError reports a recoverable failure from one stage. The session
// loop decides whether to retry, report, or escalate.
type ProviderError struct {
	Stage Stage
	Err   error
}

func (e ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s provider error", e.Stage)
	}
	return fmt.Sprintf("%s provider error: %v", e.Stage, e.Err)
}

func (e ProviderError) Unwrap() error { return e.Err }

// Closed means the provider stream ended and will emit nothing further.
type Closed struct {
	Stage Stage
}

func (PartialTranscript) isEvent() {}
func (FinalTranscript) isEvent()   {}
func (ResponseToken) isEvent()     {}
func (ResponseDone) isEvent()      {}
func (SynthesisFrame) isEvent()    {}
func (SynthesisDone) isEvent()     {}
func (ProviderError) isEvent()     {}
func (Closed) isEvent()            {}

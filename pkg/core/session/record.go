// Package session holds the durable live-session record and the state
// machine that guards its lifecycle.
package session

import (
	"time"

	"github.com/voicegate/voicegate/pkg/core/budget"
)

// Mode is the media combination for a session, fixed at creation.
type Mode string

const (
	ModeAudio       Mode = "audio"
	ModeAudioCamera Mode = "audio_camera"
	ModeAudioScreen Mode = "audio_screen"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAudio, ModeAudioCamera, ModeAudioScreen:
		return true
	default:
		return false
	}
}

// Utterance is one confirmed entry in the session transcript. The final
// transcript is append-only; utterances are never rewritten.
type Utterance struct {
	Role      string        `json:"role"` // "user" or "assistant"
	Text      string        `json:"text"`
	Timestamp time.Duration `json:"timestamp"`
}

// Record is the persisted representation of one live session. While the
// session is LIVE the record is owned by its pipeline goroutine; all other
// writers go through Store.Update, which serializes access.
type Record struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	State State `json:"state"`
	Mode  Mode  `json:"mode"`

	StartedAt time.Time  `json:"started_at"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// TranscriptPartial is the latest unconfirmed transcription text and is
	// overwritten on every partial. TranscriptFinal only ever grows.
	TranscriptPartial string      `json:"transcript_partial,omitempty"`
	TranscriptFinal   []Utterance `json:"transcript_final,omitempty"`

	// Usage counters are monotonic.
	AudioMinutesUsed float64 `json:"audio_minutes_used"`
	FramesProcessed  int64   `json:"frames_processed"`

	// BudgetRemaining is a point-in-time copy taken at the last ledger
	// check; the ledger owns the authoritative numbers.
	BudgetRemaining map[budget.Dimension]budget.Snapshot `json:"budget_remaining,omitempty"`

	RecordingConsent bool `json:"recording_consent"`

	// Metadata holds client-supplied labels, mutable via the REST surface.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing mutable slices or maps.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.PausedAt != nil {
		t := *r.PausedAt
		out.PausedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if len(r.TranscriptFinal) > 0 {
		out.TranscriptFinal = make([]Utterance, len(r.TranscriptFinal))
		copy(out.TranscriptFinal, r.TranscriptFinal)
	}
	if len(r.BudgetRemaining) > 0 {
		out.BudgetRemaining = make(map[budget.Dimension]budget.Snapshot, len(r.BudgetRemaining))
		for k, v := range r.BudgetRemaining {
			out.BudgetRemaining[k] = v
		}
	}
	if len(r.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// AppendFinal appends a confirmed utterance and clears the partial text it
// supersedes.
func (r *Record) AppendFinal(u Utterance) {
	r.TranscriptFinal = append(r.TranscriptFinal, u)
	if u.Role == "user" {
		r.TranscriptPartial = ""
	}
}

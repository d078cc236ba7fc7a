// Package llm streams language-model responses through a provider
// connector and surfaces tokens as pipeline events.
package llm

import (
	"context"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange in the conversation history.
type Turn struct {
	Role Role
	Text string
}

// Connector generates streamed responses against a provider.
type Connector interface {
	// Name returns the provider identifier.
	Name() string

	// Generate starts a streamed completion for the history. The last
	// turn is the prompt being answered. Canceling the context stops the
	// stream mid-generation.
	Generate(ctx context.Context, history []Turn) (Stream, error)
}

// Stream is one in-flight generation. Events carries
// pipeline.ResponseToken in generation order, a single
// pipeline.ResponseDone on success, pipeline.ProviderError on failure, and
// ends with pipeline.Closed before the channel closes.
type Stream interface {
	// Events returns the event channel.
	Events() <-chan pipeline.Event

	// Close abandons the generation. Safe to call more than once.
	Close() error
}

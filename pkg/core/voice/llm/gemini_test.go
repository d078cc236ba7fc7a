package llm

import (
	"context"
	"testing"

	"google.golang.org/genai"

	"github.com/voicegate/voicegate/pkg/core/pipeline"
)

func TestHistoryToContentsMapsRoles(t *testing.T) {
	history := []Turn{
		{Role: RoleUser, Text: "what time is it"},
		{Role: RoleAssistant, Text: "it is noon"},
		{Role: RoleUser, Text: "thanks"},
	}

	contents := historyToContents(history)
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}

	wantRoles := []genai.Role{genai.RoleUser, genai.RoleModel, genai.RoleUser}
	for i, c := range contents {
		if genai.Role(c.Role) != wantRoles[i] {
			t.Fatalf("contents[%d].Role = %q, want %q", i, c.Role, wantRoles[i])
		}
		if len(c.Parts) != 1 || c.Parts[0].Text != history[i].Text {
			t.Fatalf("contents[%d] text = %#v, want %q", i, c.Parts, history[i].Text)
		}
	}
}

func TestGeminiStreamCloseIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &geminiStream{
		events: make(chan pipeline.Event),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("Close should cancel the stream context")
	}
}

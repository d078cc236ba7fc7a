package session

import "testing"

func TestIsMeaningfulSpeech(t *testing.T) {
	tests := []struct {
		name string
		text string
		last string
		want bool
	}{
		{name: "plain speech", text: "stop talking", want: true},
		{name: "empty", text: "", want: false},
		{name: "whitespace only", text: "   \t ", want: false},
		{name: "punctuation only", text: "...", want: false},
		{name: "repeat of last", text: "stop talking", last: "stop talking", want: false},
		{name: "repeat with extra spaces", text: "  stop   talking ", last: "stop talking", want: false},
		{name: "digits count", text: "42", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isMeaningfulSpeech(tt.text, tt.last); got != tt.want {
				t.Fatalf("isMeaningfulSpeech(%q, %q) = %v, want %v", tt.text, tt.last, got, tt.want)
			}
		})
	}
}

func TestShouldBargeIn(t *testing.T) {
	if shouldBargeIn("hold on", "", false) {
		t.Fatalf("barge-in triggered with no active cycle")
	}
	if !shouldBargeIn("hold on", "", true) {
		t.Fatalf("meaningful speech did not barge in on an active cycle")
	}
	if shouldBargeIn("...", "", true) {
		t.Fatalf("punctuation noise barged in")
	}
	if shouldBargeIn("hold on", "hold on", true) {
		t.Fatalf("echo of the committed utterance barged in")
	}
}

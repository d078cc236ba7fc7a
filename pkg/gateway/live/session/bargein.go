package session

import (
	"strings"
	"unicode"
)

// isMeaningfulSpeech reports whether a partial transcript represents real
// user speech worth acting on. Pure punctuation or repeats of the text we
// already acted on are echo and noise, not a barge-in.
func isMeaningfulSpeech(text, last string) bool {
	trimmed := normalizeSpace(text)
	if trimmed == "" {
		return false
	}
	if !hasLetterOrDigit(trimmed) {
		return false
	}
	return trimmed != last
}

// shouldBargeIn reports whether incoming speech interrupts an in-flight
// response cycle. Any meaningful partial while the assistant is speaking
// triggers the interrupt; waiting for a final transcript would cost the
// user the whole silence-commit window.
func shouldBargeIn(text, last string, cycleActive bool) bool {
	if !cycleActive {
		return false
	}
	return isMeaningfulSpeech(text, last)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

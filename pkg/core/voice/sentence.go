// Package voice holds pipeline-facing speech utilities shared by the live
// session orchestrator.
package voice

import "strings"

// abbreviations that end in a period but do not end a sentence.
var abbreviations = map[string]struct{}{
	"dr.": {}, "mr.": {}, "mrs.": {}, "ms.": {}, "jr.": {}, "sr.": {},
	"prof.": {}, "rev.": {}, "gen.": {}, "col.": {}, "lt.": {}, "sgt.": {},
	"inc.": {}, "ltd.": {}, "corp.": {}, "co.": {}, "vs.": {}, "etc.": {},
	"i.e.": {}, "e.g.": {}, "a.m.": {}, "p.m.": {}, "u.s.": {}, "u.k.": {},
}

// SentenceBuffer accumulates streamed response tokens and yields complete
// sentence-like units for synthesis. Batching at punctuation boundaries is a
// tunable policy: MinRunes suppresses tiny fragments ("Hi.") from being
// flushed on their own when a larger unit is still forming.
type SentenceBuffer struct {
	minRunes int
	buf      strings.Builder
}

// NewSentenceBuffer creates a buffer that flushes on sentence-ending
// punctuation. minRunes <= 0 flushes every complete sentence immediately.
func NewSentenceBuffer(minRunes int) *SentenceBuffer {
	return &SentenceBuffer{minRunes: minRunes}
}

// Add appends a token and returns any sentences completed by it, in order.
func (b *SentenceBuffer) Add(token string) []string {
	b.buf.WriteString(token)
	content := b.buf.String()

	var out []string
	last := 0
	for i := 0; i < len(content); i++ {
		if !isSentenceEnd(content, i) {
			continue
		}
		candidate := strings.TrimSpace(content[last : i+1])
		if candidate == "" {
			last = i + 1
			continue
		}
		if b.minRunes > 0 && len([]rune(candidate)) < b.minRunes {
			continue // keep accumulating into the next boundary
		}
		out = append(out, candidate)
		last = i + 1
	}

	if last > 0 {
		rest := content[last:]
		b.buf.Reset()
		b.buf.WriteString(rest)
	}
	return out
}

// Flush returns whatever is pending, complete sentence or not.
func (b *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return rest
}

func isSentenceEnd(s string, i int) bool {
	switch s[i] {
	case '.', '!', '?':
	default:
		return false
	}
	// Boundary only when followed by whitespace or end of input.
	if i+1 < len(s) {
		switch s[i+1] {
		case ' ', '\n', '\r', '\t':
		default:
			return false
		}
	}
	if s[i] == '.' && isAbbreviation(s, i) {
		return false
	}
	return true
}

func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	if _, ok := abbreviations[word]; ok {
		return true
	}
	// Single capital letter and a period reads as an initial ("J. Smith").
	if i >= 1 && s[i-1] >= 'A' && s[i-1] <= 'Z' {
		if i < 2 || s[i-2] == ' ' || s[i-2] == '\n' {
			return true
		}
	}
	return false
}

package llm

import "strings"

// lineBuffer reassembles newline-delimited SSE lines from a transport that
// delivers arbitrary byte chunks: a logical line routinely arrives split
// across two reads. Carry-over is kept until the closing newline shows up.
type lineBuffer struct {
	rest string
}

// push appends a chunk and returns every complete line it closed off. The
// trailing piece without a newline stays buffered for the next push.
func (b *lineBuffer) push(chunk string) []string {
	b.rest += chunk
	if !strings.Contains(b.rest, "\n") {
		return nil
	}
	parts := strings.Split(b.rest, "\n")
	b.rest = parts[len(parts)-1]
	return parts[:len(parts)-1]
}

// flush returns the residual carry-over at end of stream, for providers that
// omit the trailing newline on the last event.
func (b *lineBuffer) flush() (string, bool) {
	if b.rest == "" {
		return "", false
	}
	line := b.rest
	b.rest = ""
	return line, true
}

package llm

import (
	"encoding/json"
	"strings"
)

const (
	ssePrefix    = "data:"
	doneSentinel = "[DONE]"
)

// decodeLine turns one raw SSE line into a protocol event, or reports
// "no event". Blank lines, non-data lines, the [DONE] sentinel and payloads
// that fail to parse all yield no event: a malformed line from the provider
// must never take down an otherwise healthy stream.
func decodeLine(line string) (*streamEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, ssePrefix) {
		return nil, false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, ssePrefix))
	if payload == doneSentinel {
		return nil, false
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" {
		// No discriminant, nothing to trust.
		return nil, false
	}
	return &ev, true
}

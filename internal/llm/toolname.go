package llm

import "strings"

// The wire protocol only accepts [A-Za-z0-9_-] in tool names, but hosts
// register namespaced tools like "fs/read". We substitute the slash with a
// fixed marker before transmission and reverse it on every name read back.
// A tool name that legitimately contains the marker would not round-trip;
// that collision is an accepted limitation.
const (
	toolNameSeparator = "/"
	toolNameMarker    = "__"
)

func encodeToolName(name string) string {
	return strings.ReplaceAll(name, toolNameSeparator, toolNameMarker)
}

func decodeToolName(name string) string {
	return strings.ReplaceAll(name, toolNameMarker, toolNameSeparator)
}

package logging

import (
	"regexp"
	"strings"
)

var (
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|bearer|token|secret)\s*[:=]\s*\S+`)
	absPathPattern = regexp.MustCompile(`(?:/[A-Za-z0-9_.\-]+){2,}`)
)

// Redact strips API-key-shaped tokens and absolute filesystem paths from a
// log line before it reaches any sink, per the requirement that Seraph
// never writes secrets or local paths to its own logs.
func Redact(line string) string {
	line = apiKeyPattern.ReplaceAllStringFunc(line, func(m string) string {
		if idx := strings.IndexAny(m, ":="); idx >= 0 {
			return m[:idx+1] + " [REDACTED]"
		}
		return "[REDACTED]"
	})
	line = absPathPattern.ReplaceAllString(line, "[PATH]")
	return line
}

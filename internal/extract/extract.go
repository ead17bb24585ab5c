// Package extract pulls a few scalar values out of loosely structured
// telemetry text. Every function is pure and total: absence is a normal
// outcome and is reported through the boolean result, never an error.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Extractor scrapes the values the activity tracker consumes. Scanner is
// the tolerant pattern-based implementation; a structured OTLP decoder
// can satisfy the same interface.
type Extractor interface {
	ToolCall(text string) (string, bool)
	TokenCount(text string) (int, bool)
	EventName(text string) (string, bool)
}

// The patterns allow JSON whitespace around the colon. An empty name is
// not a tool call.
var (
	toolNameRe  = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)
	tokensRe    = regexp.MustCompile(`"tokens"\s*:\s*(\d+)`)
	eventNameRe = regexp.MustCompile(`"key"\s*:\s*"event\.name"\s*,\s*"value"\s*:\s*\{\s*"stringValue"\s*:\s*"([^"]+)"`)
)

// Scanner is a regular-expression Extractor. The zero value is ready to use.
type Scanner struct{}

var _ Extractor = Scanner{}

func (Scanner) ToolCall(text string) (string, bool)  { return ParseToolCall(text) }
func (Scanner) TokenCount(text string) (int, bool)   { return ParseTokenCount(text) }
func (Scanner) EventName(text string) (string, bool) { return ParseEventName(text) }

// ParseToolCall returns the first "name":"<value>" string in text, but only
// when the text looks like a tool call (mentions tool_call or toolCall).
func ParseToolCall(text string) (string, bool) {
	if !strings.Contains(text, "tool_call") && !strings.Contains(text, "toolCall") {
		return "", false
	}
	m := toolNameRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseTokenCount returns the integer of the first "tokens":<digits> in
// text. Quoted or otherwise non-numeric values do not match.
func ParseTokenCount(text string) (int, bool) {
	m := tokensRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		// Overflow.
		return 0, false
	}
	return n, true
}

// ParseEventName returns the string value of the first OTLP attribute
// keyed "event.name", e.g. "claude_code.tool_result".
func ParseEventName(text string) (string, bool) {
	m := eventNameRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

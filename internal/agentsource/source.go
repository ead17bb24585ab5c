// Package agentsource identifies which coding agent sent a telemetry
// payload. Payload shapes differ per vendor and are not guaranteed to be
// well formed, so classification is substring sniffing rather than schema
// decoding.
package agentsource

import (
	"fmt"
	"strings"
)

// Source is the coding agent a telemetry event is attributed to.
type Source int

const (
	Unknown    Source = iota // signal present but unrecognized
	ClaudeCode               // Anthropic Claude Code
	Codex                    // OpenAI Codex CLI
	OpenCode                 // sst OpenCode
)

// String returns the source identifier used in logs, metrics labels and
// the event store.
func (s Source) String() string {
	switch s {
	case ClaudeCode:
		return "claude-code"
	case Codex:
		return "codex"
	case OpenCode:
		return "opencode"
	default:
		return "unknown"
	}
}

// DisplayName returns a human-readable agent name.
func (s Source) DisplayName() string {
	switch s {
	case ClaudeCode:
		return "Claude Code"
	case Codex:
		return "Codex"
	case OpenCode:
		return "OpenCode"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(text []byte) error {
	switch string(text) {
	case "claude-code":
		*s = ClaudeCode
	case "codex":
		*s = Codex
	case "opencode":
		*s = OpenCode
	case "unknown", "":
		*s = Unknown
	default:
		return fmt.Errorf("unknown agent source %q", text)
	}
	return nil
}

// Detect classifies free-form payload text. Matching is case-insensitive
// and the first rule that matches wins, so a payload mentioning both
// "codex" and "claude" is attributed to Codex.
func Detect(text string) Source {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "opencode"), strings.Contains(lower, "sst"):
		return OpenCode
	case strings.Contains(lower, "codex"):
		return Codex
	case strings.Contains(lower, "claude"), strings.Contains(lower, "anthropic"):
		return ClaudeCode
	default:
		return Unknown
	}
}

// DetectFromEventPrefix classifies a structured event name such as
// "claude_code.tool_result" or "codex.api_request". The boolean is false
// when the name carries no recognizable agent prefix, which is distinct
// from a payload classified as Unknown.
func DetectFromEventPrefix(name string) (Source, bool) {
	normalized := strings.ReplaceAll(name, "_", ".")
	switch {
	case strings.HasPrefix(normalized, "opencode."):
		return OpenCode, true
	case strings.HasPrefix(normalized, "codex."):
		return Codex, true
	case strings.HasPrefix(normalized, "claude.code."), strings.HasPrefix(normalized, "claude_code."):
		return ClaudeCode, true
	default:
		return Unknown, false
	}
}

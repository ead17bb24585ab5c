// Package launch starts coding agents with their OpenTelemetry exporters
// pointed at the local pulse listener.
package launch

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"pulse/internal/agentsource"
)

// LaunchConfig is what an agent needs on top of the user's command line.
type LaunchConfig struct {
	Env         map[string]string
	PrependArgs []string
}

// AgentType knows how to point one kind of agent at the listener.
type AgentType interface {
	// Name returns the agent type identifier (e.g. "claude", "generic").
	Name() string

	// Command returns the executable to run.
	Command() string

	// Source is the classification events from this agent are expected to
	// get. Unknown for generic commands.
	Source() agentsource.Source

	// LaunchConfig returns the env and flags that enable OTLP export to
	// endpoint.
	LaunchConfig(endpoint string) LaunchConfig
}

// Endpoint returns the base OTLP/HTTP URL for a listener on port.
func Endpoint(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

// otlpEnv is the standard OpenTelemetry SDK configuration for JSON over
// HTTP. Metrics are exported every 5s and logs every 1s so activity shows
// up promptly.
func otlpEnv(endpoint string) map[string]string {
	return map[string]string{
		"OTEL_METRICS_EXPORTER":       "otlp",
		"OTEL_LOGS_EXPORTER":          "otlp",
		"OTEL_TRACES_EXPORTER":        "none",
		"OTEL_EXPORTER_OTLP_PROTOCOL": "http/json",
		"OTEL_EXPORTER_OTLP_ENDPOINT": endpoint,
		"OTEL_METRIC_EXPORT_INTERVAL": "5000",
		"OTEL_LOGS_EXPORT_INTERVAL":   "1000",
	}
}

// ClaudeCodeType enables Claude Code's built-in telemetry.
type ClaudeCodeType struct{}

func NewClaudeCodeType() *ClaudeCodeType { return &ClaudeCodeType{} }

func (t *ClaudeCodeType) Name() string               { return "claude" }
func (t *ClaudeCodeType) Command() string            { return "claude" }
func (t *ClaudeCodeType) Source() agentsource.Source { return agentsource.ClaudeCode }

func (t *ClaudeCodeType) LaunchConfig(endpoint string) LaunchConfig {
	env := otlpEnv(endpoint)
	env["CLAUDE_CODE_ENABLE_TELEMETRY"] = "1"
	return LaunchConfig{Env: env}
}

// CodexType configures the Codex CLI through -c overrides; it does not
// read the OTEL_* environment.
type CodexType struct{}

func NewCodexType() *CodexType { return &CodexType{} }

func (t *CodexType) Name() string               { return "codex" }
func (t *CodexType) Command() string            { return "codex" }
func (t *CodexType) Source() agentsource.Source { return agentsource.Codex }

func (t *CodexType) LaunchConfig(endpoint string) LaunchConfig {
	return LaunchConfig{
		PrependArgs: []string{
			"-c", fmt.Sprintf(`otel.exporter={otlp-http={endpoint="%s/v1/logs",protocol="json"}}`, endpoint),
			"-c", fmt.Sprintf(`otel.trace_exporter={otlp-http={endpoint="%s/v1/traces",protocol="json"}}`, endpoint),
		},
	}
}

// OpenCodeType uses the standard OTEL environment.
type OpenCodeType struct{}

func NewOpenCodeType() *OpenCodeType { return &OpenCodeType{} }

func (t *OpenCodeType) Name() string               { return "opencode" }
func (t *OpenCodeType) Command() string            { return "opencode" }
func (t *OpenCodeType) Source() agentsource.Source { return agentsource.OpenCode }

func (t *OpenCodeType) LaunchConfig(endpoint string) LaunchConfig {
	return LaunchConfig{Env: otlpEnv(endpoint)}
}

// GenericType is the fallback for unknown commands: the standard OTEL
// environment is set in case the program honours it.
type GenericType struct {
	command string
}

func NewGenericType(command string) *GenericType {
	return &GenericType{command: command}
}

func (t *GenericType) Name() string               { return "generic" }
func (t *GenericType) Command() string            { return t.command }
func (t *GenericType) Source() agentsource.Source { return agentsource.Unknown }

func (t *GenericType) LaunchConfig(endpoint string) LaunchConfig {
	return LaunchConfig{Env: otlpEnv(endpoint)}
}

// ResolveAgentType maps a command name to a known agent type, falling back
// to GenericType for unknown commands.
func ResolveAgentType(command string) AgentType {
	switch filepath.Base(command) {
	case "claude":
		return NewClaudeCodeType()
	case "codex":
		return NewCodexType()
	case "opencode":
		return NewOpenCodeType()
	default:
		return NewGenericType(command)
	}
}

// MergeEnv returns base with env applied as KEY=value entries. Keys
// from cfg replace existing ones; the added entries are sorted so the
// result is deterministic.
func MergeEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := env[key]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

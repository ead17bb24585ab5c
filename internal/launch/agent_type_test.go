package launch

import (
	"strings"
	"testing"

	"pulse/internal/agentsource"
)

func TestResolveAgentType_Claude(t *testing.T) {
	at := ResolveAgentType("claude")
	if at.Name() != "claude" {
		t.Errorf("Name() = %q, want %q", at.Name(), "claude")
	}
	if at.Source() != agentsource.ClaudeCode {
		t.Errorf("Source() = %v, want ClaudeCode", at.Source())
	}
}

func TestResolveAgentType_ClaudeFullPath(t *testing.T) {
	at := ResolveAgentType("/usr/local/bin/claude")
	if at.Name() != "claude" {
		t.Errorf("Name() = %q, want %q", at.Name(), "claude")
	}
}

func TestResolveAgentType_Codex(t *testing.T) {
	at := ResolveAgentType("codex")
	if at.Name() != "codex" || at.Source() != agentsource.Codex {
		t.Errorf("got %q/%v, want codex/Codex", at.Name(), at.Source())
	}
}

func TestResolveAgentType_OpenCode(t *testing.T) {
	at := ResolveAgentType("/opt/bin/opencode")
	if at.Name() != "opencode" || at.Source() != agentsource.OpenCode {
		t.Errorf("got %q/%v, want opencode/OpenCode", at.Name(), at.Source())
	}
}

func TestResolveAgentType_Generic(t *testing.T) {
	at := ResolveAgentType("bash")
	if at.Name() != "generic" {
		t.Errorf("Name() = %q, want %q", at.Name(), "generic")
	}
	if at.Command() != "bash" {
		t.Errorf("Command() = %q, want %q", at.Command(), "bash")
	}
	if at.Source() != agentsource.Unknown {
		t.Errorf("Source() = %v, want Unknown", at.Source())
	}
}

func TestClaudeLaunchConfig(t *testing.T) {
	cfg := NewClaudeCodeType().LaunchConfig(Endpoint(4318))
	want := map[string]string{
		"CLAUDE_CODE_ENABLE_TELEMETRY": "1",
		"OTEL_EXPORTER_OTLP_ENDPOINT":  "http://127.0.0.1:4318",
		"OTEL_EXPORTER_OTLP_PROTOCOL":  "http/json",
		"OTEL_LOGS_EXPORTER":           "otlp",
		"OTEL_METRICS_EXPORTER":        "otlp",
	}
	for k, v := range want {
		if cfg.Env[k] != v {
			t.Errorf("Env[%s] = %q, want %q", k, cfg.Env[k], v)
		}
	}
	if len(cfg.PrependArgs) != 0 {
		t.Errorf("PrependArgs = %v, want none", cfg.PrependArgs)
	}
}

func TestCodexLaunchConfig(t *testing.T) {
	cfg := NewCodexType().LaunchConfig(Endpoint(5000))
	if len(cfg.Env) != 0 {
		t.Errorf("Env = %v, want none", cfg.Env)
	}
	if len(cfg.PrependArgs) != 4 {
		t.Fatalf("PrependArgs = %v, want 4 entries", cfg.PrependArgs)
	}
	if cfg.PrependArgs[0] != "-c" || cfg.PrependArgs[2] != "-c" {
		t.Errorf("PrependArgs = %v, want -c overrides", cfg.PrependArgs)
	}
	if !strings.Contains(cfg.PrependArgs[1], `endpoint="http://127.0.0.1:5000/v1/logs"`) {
		t.Errorf("log exporter override = %q", cfg.PrependArgs[1])
	}
	if !strings.Contains(cfg.PrependArgs[3], `endpoint="http://127.0.0.1:5000/v1/traces"`) {
		t.Errorf("trace exporter override = %q", cfg.PrependArgs[3])
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/bin", "OTEL_LOGS_EXPORTER=none", "HOME=/root", "NOEQUALS"}
	got := MergeEnv(base, map[string]string{
		"OTEL_LOGS_EXPORTER": "otlp",
		"B_VAR":              "2",
		"A_VAR":              "1",
	})
	want := []string{"PATH=/bin", "HOME=/root", "NOEQUALS", "A_VAR=1", "B_VAR=2", "OTEL_LOGS_EXPORTER=otlp"}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("MergeEnv =\n%v\nwant\n%v", got, want)
	}
}

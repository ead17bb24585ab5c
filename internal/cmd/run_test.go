package cmd

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

// executeRun runs `pulse run` with a non-terminal stdin at EOF.
func executeRun(t *testing.T, args ...string) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	defer r.Close()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetIn(r)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"run"}, args...))
	err = cmd.Execute()
	return out.String(), err
}

func TestRunCmd_SetsEndpoint(t *testing.T) {
	isolate(t)
	out, err := executeRun(t, "--port", "4555", "--", "/bin/sh", "-c", "echo endpoint=$OTEL_EXPORTER_OTLP_ENDPOINT")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "endpoint=http://127.0.0.1:4555") {
		t.Errorf("output = %q", out)
	}
}

func TestRunCmd_DefaultsToConfiguredPort(t *testing.T) {
	isolate(t)
	if _, err := execute(t, "config", "set", "port", "4777"); err != nil {
		t.Fatalf("config set: %v", err)
	}
	out, err := executeRun(t, "--cmd", `/bin/sh -c 'echo "endpoint=$OTEL_EXPORTER_OTLP_ENDPOINT"'`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "endpoint=http://127.0.0.1:4777") {
		t.Errorf("output = %q", out)
	}
}

func TestRunCmd_ExitCode(t *testing.T) {
	isolate(t)
	_, err := executeRun(t, "--", "/bin/sh", "-c", "exit 7")
	var exit *ExitCodeError
	if !errors.As(err, &exit) {
		t.Fatalf("err = %v, want ExitCodeError", err)
	}
	if exit.Code != 7 {
		t.Errorf("Code = %d, want 7", exit.Code)
	}
}

func TestRunCmd_Usage(t *testing.T) {
	isolate(t)
	if _, err := executeRun(t); err == nil {
		t.Error("expected error without a command")
	}
	if _, err := executeRun(t, "--cmd", "claude", "--", "codex"); err == nil {
		t.Error("expected error for --cmd plus positional command")
	}
	if _, err := executeRun(t, "--cmd", `claude "open`); err == nil {
		t.Error("expected error for unterminated quote")
	}
}

package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muesli/termenv"

	"pulse/internal/activity"
	"pulse/internal/agentsource"
)

func plainOutput() *termenv.Output {
	return termenv.NewOutput(&bytes.Buffer{}, termenv.WithProfile(termenv.Ascii))
}

func TestRenderState_Active(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 30, 0, time.UTC)
	st := activity.State{
		Active:        true,
		Source:        agentsource.ClaudeCode,
		LastActivity:  now.Add(-2500 * time.Millisecond),
		ToolCall:      "Bash",
		HasToolCall:   true,
		TokenCount:    120,
		SessionTokens: 900,
	}
	got := renderState(st, now, plainOutput())
	want := "● active  Claude Code  tool=Bash  tokens=120  session=900  last=2s ago"
	if got != want {
		t.Errorf("renderState =\n%q\nwant\n%q", got, want)
	}
}

func TestRenderState_IdleNoActivity(t *testing.T) {
	got := renderState(activity.State{}, time.Now(), plainOutput())
	want := "○ idle    Unknown  tokens=0  session=0"
	if got != want {
		t.Errorf("renderState = %q, want %q", got, want)
	}
}

type fakeStateSource struct {
	mu      sync.Mutex
	state   activity.State
	changed chan struct{}
}

func (f *fakeStateSource) State() activity.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStateSource) StateChanged() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

func (f *fakeStateSource) set(st activity.State) {
	f.mu.Lock()
	f.state = st
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchState(t *testing.T) {
	src := &fakeStateSource{changed: make(chan struct{})}
	var out syncBuffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchState(ctx, src, &out)
	}()

	waitFor(t, func() bool { return strings.Count(out.String(), "\n") == 1 })
	src.set(activity.State{Active: true, Source: agentsource.Codex})
	waitFor(t, func() bool { return strings.Count(out.String(), "\n") == 2 })

	cancel()
	<-done

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.Contains(lines[0], "idle") || !strings.Contains(lines[1], "active  Codex") {
		t.Errorf("lines = %q", lines)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

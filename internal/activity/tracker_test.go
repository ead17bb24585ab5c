package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/agentsource"
	"pulse/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newFakeTracker(t *testing.T, opts ...Option) (*Tracker, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	tr := New(append([]Option{WithClock(fc)}, opts...)...)
	t.Cleanup(tr.Close)
	return tr, fc
}

func TestNew_Idle(t *testing.T) {
	tr, _ := newFakeTracker(t)
	assert.Equal(t, State{}, tr.Snapshot())
}

func TestObserve_GoesActive(t *testing.T) {
	tr, _ := newFakeTracker(t)

	tr.Observe(Observation{Source: agentsource.ClaudeCode, ToolCall: "Read", HasToolCall: true, Tokens: 10, HasTokens: true})

	s := tr.Snapshot()
	assert.True(t, s.Active)
	assert.Equal(t, agentsource.ClaudeCode, s.Source)
	assert.Equal(t, epoch, s.LastActivity)
	assert.True(t, s.HasToolCall)
	assert.Equal(t, "Read", s.ToolCall)
	assert.Equal(t, 10, s.TokenCount)
	assert.Equal(t, 10, s.SessionTokens)
}

func TestObserve_UnknownSourceStillActivates(t *testing.T) {
	tr, _ := newFakeTracker(t)
	tr.Observe(Observation{Source: agentsource.Codex})
	tr.Observe(Observation{Source: agentsource.Unknown})

	s := tr.Snapshot()
	assert.True(t, s.Active)
	assert.Equal(t, agentsource.Unknown, s.Source)
}

func TestObserve_MissingMetricsKeepPreviousValues(t *testing.T) {
	tr, _ := newFakeTracker(t)
	tr.Observe(Observation{Source: agentsource.ClaudeCode, ToolCall: "Bash", HasToolCall: true, Tokens: 30, HasTokens: true})
	tr.Observe(Observation{Source: agentsource.ClaudeCode})

	s := tr.Snapshot()
	assert.Equal(t, "Bash", s.ToolCall)
	assert.Equal(t, 30, s.TokenCount)
	assert.Equal(t, 30, s.SessionTokens)
}

func TestInactivity_GoesIdleAfterTimeout(t *testing.T) {
	tr, fc := newFakeTracker(t)
	tr.Observe(Observation{Source: agentsource.OpenCode, ToolCall: "edit", HasToolCall: true, Tokens: 7, HasTokens: true})
	require.True(t, tr.Snapshot().Active)

	fc.Advance(InactivityTimeout - time.Millisecond)
	require.True(t, tr.Snapshot().Active, "went idle before the timeout")

	fc.Advance(time.Millisecond)
	s := tr.Snapshot()
	assert.False(t, s.Active)
	assert.False(t, s.HasToolCall)
	assert.Empty(t, s.ToolCall)
	assert.Equal(t, agentsource.OpenCode, s.Source, "source is kept for display")
	assert.Equal(t, 7, s.TokenCount, "token count is kept for display")
	assert.Equal(t, 7, s.SessionTokens)
}

func TestInactivity_EventsDebounce(t *testing.T) {
	tr, fc := newFakeTracker(t)

	tr.Observe(Observation{Source: agentsource.Codex})
	for range 5 {
		fc.Advance(4 * time.Second)
		tr.Observe(Observation{Source: agentsource.Codex})
		require.True(t, tr.Snapshot().Active)
	}

	fc.Advance(4 * time.Second)
	assert.True(t, tr.Snapshot().Active)
	fc.Advance(time.Second)
	assert.False(t, tr.Snapshot().Active)
	assert.Equal(t, 0, fc.PendingCount())
}

func TestTokens_LatestAndAccumulated(t *testing.T) {
	tr, fc := newFakeTracker(t)

	tr.Observe(Observation{Source: agentsource.ClaudeCode, Tokens: 100, HasTokens: true})
	fc.Advance(time.Second)
	tr.Observe(Observation{Source: agentsource.ClaudeCode, Tokens: 50, HasTokens: true})

	s := tr.Snapshot()
	assert.Equal(t, 50, s.TokenCount)
	assert.Equal(t, 150, s.SessionTokens)
}

func TestTokens_AccumulateAcrossIdle(t *testing.T) {
	tr, fc := newFakeTracker(t)

	tr.Observe(Observation{Tokens: 100, HasTokens: true})
	fc.Advance(time.Minute)
	require.False(t, tr.Snapshot().Active)
	tr.Observe(Observation{Tokens: 5, HasTokens: true})

	assert.Equal(t, 105, tr.Snapshot().SessionTokens)
}

func TestResetSession(t *testing.T) {
	tr, _ := newFakeTracker(t)
	tr.Observe(Observation{Source: agentsource.Codex, Tokens: 40, HasTokens: true})

	tr.ResetSession()

	s := tr.Snapshot()
	assert.Equal(t, 0, s.SessionTokens)
	assert.True(t, s.Active)
	assert.Equal(t, agentsource.Codex, s.Source)
	assert.Equal(t, 40, s.TokenCount)
}

func TestDeactivate(t *testing.T) {
	tr, fc := newFakeTracker(t)
	tr.Observe(Observation{Source: agentsource.ClaudeCode, ToolCall: "Read", HasToolCall: true, Tokens: 9, HasTokens: true})

	tr.Deactivate()

	s := tr.Snapshot()
	assert.False(t, s.Active)
	assert.Equal(t, agentsource.Unknown, s.Source)
	assert.False(t, s.HasToolCall)
	assert.Equal(t, 9, s.SessionTokens)
	assert.Equal(t, 0, fc.PendingCount())
}

func TestListener_SeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []bool
	tr, fc := newFakeTracker(t, WithListener(func(prev, next State) {
		mu.Lock()
		defer mu.Unlock()
		if prev.Active != next.Active {
			seen = append(seen, next.Active)
		}
	}))

	tr.Observe(Observation{})
	fc.Advance(time.Second)
	tr.Observe(Observation{})
	fc.Advance(InactivityTimeout)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen)
}

func TestWithTimeout(t *testing.T) {
	tr, fc := newFakeTracker(t, WithTimeout(time.Second))
	tr.Observe(Observation{})
	fc.Advance(time.Second)
	assert.False(t, tr.Snapshot().Active)
}

func TestRealClock_GoesIdle(t *testing.T) {
	tr := New(WithTimeout(20 * time.Millisecond))
	defer tr.Close()

	tr.Observe(Observation{Source: agentsource.Codex})
	require.True(t, tr.Snapshot().Active)

	require.Eventually(t, func() bool { return !tr.Snapshot().Active }, time.Second, 5*time.Millisecond)
}

// Package activity holds the Idle/Active model driven by telemetry events.
//
// Every event moves the tracker to Active and pushes an inactivity deadline
// InactivityTimeout into the future. A single timer re-checks the deadline
// when it fires, so back-to-back events keep the tracker Active without
// flicker and a fire that was overtaken by a later event is a no-op.
package activity

import (
	"sync"
	"time"

	"pulse/internal/agentsource"
	"pulse/internal/clock"
)

// InactivityTimeout is how long without events before the tracker goes Idle.
const InactivityTimeout = 5 * time.Second

// State is a snapshot of the observable activity fields.
type State struct {
	Active bool
	Source agentsource.Source

	// LastActivity is the zero time until the first event.
	LastActivity time.Time

	// ToolCall is only meaningful when HasToolCall is set. It is always
	// cleared when the tracker goes Idle.
	ToolCall    string
	HasToolCall bool

	// TokenCount is the count carried by the most recent event that had
	// one. SessionTokens accumulates until ResetSession.
	TokenCount    int
	SessionTokens int
}

// Observation is the immutable result of classifying and scraping one
// telemetry request.
type Observation struct {
	Source agentsource.Source

	ToolCall    string
	HasToolCall bool

	Tokens    int
	HasTokens bool
}

// Listener is called after every state change with the states before and
// after. It runs outside the tracker lock.
type Listener func(prev, next State)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithTimeout overrides InactivityTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.timeout = d
	}
}

// WithListener registers a state-change callback.
func WithListener(fn Listener) Option {
	return func(t *Tracker) {
		t.listeners = append(t.listeners, fn)
	}
}

// Tracker owns the activity State. All mutations, including timer fires,
// go through one mutex.
type Tracker struct {
	clock     clock.Clock
	timeout   time.Duration
	listeners []Listener

	mu       sync.RWMutex
	state    State
	deadline time.Time
	timer    clock.Timer
}

// New creates an Idle tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:   clock.Real(),
		timeout: InactivityTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe applies one event: the tracker becomes Active, takes the
// event's source, and records whichever metrics the event carried.
func (t *Tracker) Observe(obs Observation) {
	t.mu.Lock()
	prev := t.state
	now := t.clock.Now()

	t.state.Active = true
	t.state.Source = obs.Source
	t.state.LastActivity = now
	if obs.HasToolCall {
		t.state.ToolCall = obs.ToolCall
		t.state.HasToolCall = true
	}
	if obs.HasTokens {
		t.state.TokenCount = obs.Tokens
		t.state.SessionTokens += obs.Tokens
	}

	t.deadline = now.Add(t.timeout)
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.timeout, t.expire)
	} else {
		t.timer.Reset(t.timeout)
	}
	next := t.state
	t.mu.Unlock()

	t.notify(prev, next)
}

// expire runs when the timer fires. It goes Idle only if no event has
// pushed the deadline past now.
func (t *Tracker) expire() {
	t.mu.Lock()
	if !t.state.Active || t.clock.Now().Before(t.deadline) {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.state.Active = false
	t.state.ToolCall = ""
	t.state.HasToolCall = false
	next := t.state
	t.mu.Unlock()

	t.notify(prev, next)
}

// ResetSession zeroes the accumulated session token count. Nothing else
// changes.
func (t *Tracker) ResetSession() {
	t.mu.Lock()
	prev := t.state
	t.state.SessionTokens = 0
	next := t.state
	t.mu.Unlock()

	t.notify(prev, next)
}

// Deactivate forces the tracker Idle and forgets the current source and
// tool call, keeping token counts. Used when telemetry is switched off.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	prev := t.state
	if t.timer != nil {
		t.timer.Stop()
	}
	t.state.Active = false
	t.state.Source = agentsource.Unknown
	t.state.ToolCall = ""
	t.state.HasToolCall = false
	next := t.state
	t.mu.Unlock()

	t.notify(prev, next)
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Close stops the inactivity timer. The state stays readable.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Tracker) notify(prev, next State) {
	if prev == next {
		return
	}
	for _, fn := range t.listeners {
		fn(prev, next)
	}
}

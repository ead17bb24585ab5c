package ingest

import (
	"strings"
	"sync"
	"time"

	"github.com/teambition/rrule-go"

	"pulse/internal/clock"
)

// resetSchedule fires fn at every occurrence of an RFC 5545 recurrence
// rule, anchored at the time it was created.
type resetSchedule struct {
	rule  *rrule.RRule
	clock clock.Clock
	fn    func()

	mu      sync.Mutex
	next    time.Time
	timer   clock.Timer
	stopped bool
}

// ParseResetRule parses a session_reset value. An optional "RRULE:"
// prefix is accepted.
func ParseResetRule(rule string) (*rrule.RRule, error) {
	return rrule.StrToRRule(strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:"))
}

func newResetSchedule(rule string, c clock.Clock, fn func()) (*resetSchedule, error) {
	r, err := ParseResetRule(rule)
	if err != nil {
		return nil, err
	}
	r.DTStart(c.Now())

	s := &resetSchedule{rule: r, clock: c, fn: fn}
	s.mu.Lock()
	s.scheduleLocked()
	s.mu.Unlock()
	return s, nil
}

// scheduleLocked arms the timer for the next occurrence after now. A rule
// with no further occurrences (COUNT or UNTIL exhausted) leaves it idle.
func (s *resetSchedule) scheduleLocked() {
	now := s.clock.Now()
	s.next = s.rule.After(now, false)
	if s.next.IsZero() {
		s.timer = nil
		return
	}
	s.timer = s.clock.AfterFunc(s.next.Sub(now), s.fire)
}

func (s *resetSchedule) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.scheduleLocked()
	s.mu.Unlock()

	s.fn()
}

// Next returns the pending occurrence, or the zero time if none remain.
func (s *resetSchedule) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *resetSchedule) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Package ingest wires the telemetry listener to the activity tracker.
//
// A Manager owns the preferences, the listener lifecycle and the tracker.
// Connection goroutines classify and scrape each request into an immutable
// activity.Observation and post it to the Manager's event channel; Run is
// the single consumer that applies observations to the tracker. Every
// listener instance gets a generation number so observations posted by a
// stopped instance are dropped instead of reviving the state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulse/internal/activity"
	"pulse/internal/agentsource"
	"pulse/internal/clock"
	"pulse/internal/config"
	"pulse/internal/eventstore"
	"pulse/internal/extract"
	"pulse/internal/otelserver"
)

// eventBuffer bounds how many observations may wait for Run before
// connection goroutines block.
const eventBuffer = 256

type envelope struct {
	gen  uint64
	req  otelserver.Request
	obs  activity.Observation
	recv time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for the tracker and the reset schedule.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithExtractor replaces the regex scanner used to pull tool calls, token
// counts and event names out of request bodies.
func WithExtractor(e extract.Extractor) Option {
	return func(m *Manager) {
		m.extractor = e
	}
}

// WithEventWriter sets a callback invoked for every applied observation.
// Typically eventstore.EventStore.Append.
func WithEventWriter(fn func(eventstore.Record) error) Option {
	return func(m *Manager) {
		m.writeEvent = fn
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithInactivityTimeout overrides activity.InactivityTimeout.
func WithInactivityTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithStateListener registers a callback for activity state changes. The
// callback may run while the Manager holds its lock; it must not call
// Manager methods other than State.
func WithStateListener(fn activity.Listener) Option {
	return func(m *Manager) {
		m.listeners = append(m.listeners, fn)
	}
}

// WithOverrides transforms the preferences after they are loaded from the
// store, e.g. config.ApplyEnv. Overridden values are only persisted if a
// setter later saves them.
func WithOverrides(fn func(config.Preferences) (config.Preferences, error)) Option {
	return func(m *Manager) {
		m.overrides = fn
	}
}

// WithServerOptions passes extra options to every listener instance.
func WithServerOptions(opts ...otelserver.Option) Option {
	return func(m *Manager) {
		m.serverOpts = append(m.serverOpts, opts...)
	}
}

// Manager is the facade UI collaborators and commands talk to.
type Manager struct {
	store      config.Store
	clock      clock.Clock
	logger     *zap.Logger
	extractor  extract.Extractor
	writeEvent func(eventstore.Record) error
	metrics    *Metrics
	timeout    time.Duration
	listeners  []activity.Listener
	overrides  func(config.Preferences) (config.Preferences, error)
	serverOpts []otelserver.Option

	tracker *activity.Tracker
	events  chan envelope

	// gen is bumped under mu whenever a listener starts or stops; apply
	// compares it under mu.
	gen atomic.Uint64

	mu    sync.Mutex
	prefs config.Preferences
	srv   *otelserver.Server
	stop  chan struct{}
	reset *resetSchedule

	changedMu sync.Mutex
	changed   chan struct{}
}

// New loads preferences from store and returns a stopped Manager. Call
// Run to start applying events and StartServer to start listening.
func New(store config.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:     store,
		clock:     clock.Real(),
		logger:    zap.NewNop(),
		extractor: extract.Scanner{},
		timeout:   activity.InactivityTimeout,
		events:    make(chan envelope, eventBuffer),
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	prefs, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if m.overrides != nil {
		if prefs, err = m.overrides(prefs); err != nil {
			return nil, err
		}
	}
	m.prefs = prefs

	trackerOpts := []activity.Option{
		activity.WithClock(m.clock),
		activity.WithTimeout(m.timeout),
		activity.WithListener(m.onStateChange),
	}
	for _, fn := range m.listeners {
		trackerOpts = append(trackerOpts, activity.WithListener(fn))
	}
	m.tracker = activity.New(trackerOpts...)

	if prefs.SessionReset != "" {
		rs, err := newResetSchedule(prefs.SessionReset, m.clock, m.sessionResetDue)
		if err != nil {
			return nil, fmt.Errorf("session_reset: %w", err)
		}
		m.reset = rs
		m.logger.Info("session reset scheduled",
			zap.String("rule", prefs.SessionReset),
			zap.Time("next", rs.Next()))
	}
	return m, nil
}

// Run applies posted observations until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case env := <-m.events:
			m.apply(env)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) apply(env envelope) {
	// The generation check and Observe share mu with stopLocked so a stop
	// or disable cannot land between them.
	m.mu.Lock()
	if env.gen != m.gen.Load() {
		m.mu.Unlock()
		m.logger.Debug("dropping event from stopped listener",
			zap.String("conn_id", env.req.ConnID),
			zap.String("path", env.req.Path))
		return
	}
	m.tracker.Observe(env.obs)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.event(env.obs)
	}

	fields := []zap.Field{
		zap.String("conn_id", env.req.ConnID),
		zap.String("path", env.req.Path),
		zap.Stringer("source", env.obs.Source),
	}
	if env.obs.HasToolCall {
		fields = append(fields, zap.String("tool", env.obs.ToolCall))
	}
	if env.obs.HasTokens {
		fields = append(fields, zap.Int("tokens", env.obs.Tokens))
	}
	m.logger.Debug("telemetry event", fields...)

	if m.writeEvent != nil {
		if err := m.writeEvent(newRecord(env)); err != nil {
			m.logger.Warn("persist telemetry event", zap.Error(err))
		}
	}
}

func newRecord(env envelope) eventstore.Record {
	rec := eventstore.Record{
		ID:        uuid.NewString(),
		Timestamp: env.recv,
		ConnID:    env.req.ConnID,
		Path:      env.req.Path,
		Source:    env.obs.Source,
	}
	if env.obs.HasToolCall {
		rec.ToolCall = env.obs.ToolCall
	}
	if env.obs.HasTokens {
		tokens := env.obs.Tokens
		rec.Tokens = &tokens
	}
	return rec
}

// Classify turns a request body into an Observation. A recognized vendor
// prefix on the OTLP event.name attribute decides the source; otherwise
// the substring classifier sniffs the whole body, whose free-form content
// (prompts, tool output) may mention other agents.
func (m *Manager) Classify(body []byte) activity.Observation {
	text := string(body)
	var obs activity.Observation
	prefixed := false
	if name, ok := m.extractor.EventName(text); ok {
		obs.Source, prefixed = agentsource.DetectFromEventPrefix(name)
	}
	if !prefixed {
		obs.Source = agentsource.Detect(text)
	}
	obs.ToolCall, obs.HasToolCall = m.extractor.ToolCall(text)
	obs.Tokens, obs.HasTokens = m.extractor.TokenCount(text)
	return obs
}

// handler builds the per-request callback for listener generation gen.
// Posting gives up once stop is closed so Stop never waits on a full
// channel.
func (m *Manager) handler(gen uint64, stop <-chan struct{}) otelserver.Handler {
	return func(req otelserver.Request) {
		if m.metrics != nil {
			m.metrics.request(req.Path, len(req.Body))
		}
		env := envelope{
			gen:  gen,
			req:  req,
			obs:  m.Classify(req.Body),
			recv: m.clock.Now(),
		}
		select {
		case m.events <- env:
		case <-stop:
		}
	}
}

// StartServer binds the listener on the configured port. It is a no-op
// when the listener is already running or telemetry is disabled. Bind
// failures are logged and returned as *otelserver.BindError.
func (m *Manager) StartServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	if m.srv != nil || !m.prefs.Enabled {
		return nil
	}

	gen := m.gen.Add(1)
	stop := make(chan struct{})
	opts := append([]otelserver.Option{otelserver.WithLogger(m.logger)}, m.serverOpts...)
	srv, err := otelserver.New(m.prefs.Port, m.handler(gen, stop), opts...)
	if err != nil {
		close(stop)
		m.logger.Error("telemetry listener failed to start",
			zap.Uint16("port", m.prefs.Port), zap.Error(err))
		return err
	}
	m.srv = srv
	m.stop = stop
	m.logger.Info("telemetry listener started", zap.Int("port", srv.Port))
	return nil
}

// StopServer closes the listener and every open connection. Observations
// still in flight from it are discarded. No-op when not running.
func (m *Manager) StopServer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.srv == nil {
		return
	}
	m.gen.Add(1)
	close(m.stop)
	m.srv.Stop()
	m.logger.Info("telemetry listener stopped", zap.Int("port", m.srv.Port))
	m.srv = nil
	m.stop = nil
}

// Running reports whether the listener is up.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.srv != nil
}

// ListenPort returns the port the live listener is bound to, or 0.
func (m *Manager) ListenPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srv == nil {
		return 0
	}
	return m.srv.Port
}

// SetEnabled persists the enabled flag. Enabling starts the listener;
// disabling stops it and forces the tracker Idle, clearing the source and
// tool call but keeping the token counts.
func (m *Manager) SetEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persistLocked(func(p *config.Preferences) { p.Enabled = enabled }); err != nil {
		return err
	}

	if enabled {
		return m.startLocked()
	}
	m.stopLocked()
	m.tracker.Deactivate()
	return nil
}

// SetPort persists a new port. A running listener keeps its current port
// until the next StartServer after a stop.
func (m *Manager) SetPort(port uint16) error {
	if port == 0 {
		return config.ErrInvalidPort
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.persistLocked(func(p *config.Preferences) { p.Port = port })
}

// persistLocked applies set to the stored preferences and to the effective
// ones. Environment overrides on other fields are never written back.
func (m *Manager) persistLocked(set func(*config.Preferences)) error {
	stored, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	set(&stored)
	if err := m.store.Save(stored); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	set(&m.prefs)
	return nil
}

// Cleanup stops the listener and removes the stored preferences. The
// in-memory preferences fall back to the defaults.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clear preferences: %w", err)
	}
	m.prefs = config.Default()
	return nil
}

// ResetSession zeroes the session token count.
func (m *Manager) ResetSession() {
	m.tracker.ResetSession()
	if m.metrics != nil {
		m.metrics.Resets.Inc()
	}
}

func (m *Manager) sessionResetDue() {
	m.logger.Info("scheduled session reset")
	m.ResetSession()
}

// NextSessionReset returns the next scheduled reset, if a rule is set.
func (m *Manager) NextSessionReset() (time.Time, bool) {
	if m.reset == nil {
		return time.Time{}, false
	}
	next := m.reset.Next()
	return next, !next.IsZero()
}

// State returns the current activity snapshot.
func (m *Manager) State() activity.State {
	return m.tracker.Snapshot()
}

// Preferences returns the preferences in effect.
func (m *Manager) Preferences() config.Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

// StateChanged returns a channel that is closed on the next state change.
func (m *Manager) StateChanged() <-chan struct{} {
	m.changedMu.Lock()
	defer m.changedMu.Unlock()
	return m.changed
}

// onStateChange may run for two transitions concurrently and in either
// order, so the gauge is taken from the current state under changedMu
// rather than from next.
func (m *Manager) onStateChange(prev, next activity.State) {
	m.changedMu.Lock()
	if m.metrics != nil {
		m.metrics.setActive(m.tracker.Snapshot().Active)
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.changedMu.Unlock()
}

// Close stops the listener and all timers. Run must be stopped by the
// caller through its context.
func (m *Manager) Close() {
	m.StopServer()
	if m.reset != nil {
		m.reset.Stop()
	}
	m.tracker.Close()
}

// IsBindError reports whether err came from binding the listener.
func IsBindError(err error) bool {
	var be *otelserver.BindError
	return errors.As(err, &be)
}

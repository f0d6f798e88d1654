// Package connection keeps one datasource transport alive: bounded connect
// retries, a supervised health monitor, and fail-fast guards for callers.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/supervisor"
)

// Transport is the protocol session managed by a Supervisor.
// Connect must replace any previous session.
type Transport interface {
	Connect(ctx context.Context) error
	Probe(ctx context.Context) error
	Close(ctx context.Context) error
}

// Observer receives connection lifecycle events, typically for metrics.
type Observer interface {
	ConnectionState(source string, connected bool)
	ConnectionAttempt(source string, success bool)
}

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Policy controls retries and health checking.
type Policy struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	CheckInterval time.Duration
}

// PolicyFrom builds a Policy from the gateway-wide connection defaults.
func PolicyFrom(cfg domain.ConnectionConfig) Policy {
	return Policy{
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		CheckInterval: cfg.CheckInterval,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = 10 * time.Second
	}
	return p
}

// Stats is a snapshot of connection counters.
type Stats struct {
	State          State     `json:"state"`
	Attempts       int64     `json:"attempts"`
	Failures       int64     `json:"failures"`
	Connects       int64     `json:"connects"`
	LastError      string    `json:"lastError,omitempty"`
	ConnectedSince time.Time `json:"connectedSince,omitempty"`
}

// Supervisor drives one Transport through
// disconnected -> connecting -> connected -> (health loop) -> disconnected.
type Supervisor struct {
	name      string
	transport Transport
	policy    Policy
	tasks     *supervisor.Supervisor
	observer  Observer

	// mu serializes connect and disconnect transitions.
	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
	stats   Stats

	hooksMu sync.Mutex
	hooks   []func(generation int64)
}

// New creates a supervisor for transport. name identifies the datasource in
// logs and task names. observer may be nil.
func New(name string, transport Transport, policy Policy, tasks *supervisor.Supervisor, observer Observer) *Supervisor {
	return &Supervisor{
		name:      name,
		transport: transport,
		policy:    policy.withDefaults(),
		tasks:     tasks,
		observer:  observer,
		state:     StateDisconnected,
	}
}

// Name returns the datasource name used in logs.
func (s *Supervisor) Name() string {
	return s.name
}

// MonitorTaskName is the supervised task name of the health monitor.
func (s *Supervisor) MonitorTaskName() string {
	return "connection-monitor:" + s.name
}

// Generation counts successful connects. Every reconnect starts a new
// generation; sessions bound to an older one are gone.
func (s *Supervisor) Generation() int64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.stats.Connects
}

// OnConnected registers fn to run after every successful connect with the
// new generation. Hooks run on their own goroutine.
func (s *Supervisor) OnConnected(fn func(generation int64)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

func (s *Supervisor) fireConnected() {
	gen := s.Generation()
	s.hooksMu.Lock()
	hooks := append([]func(int64){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		go fn(gen)
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// IsConnected reports whether the transport is connected.
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// Stats returns a snapshot of the connection counters.
func (s *Supervisor) Stats() Stats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st := s.stats
	st.State = s.state
	return st
}

func (s *Supervisor) setState(state State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	if state == StateConnected && prev != StateConnected {
		s.stats.ConnectedSince = time.Now()
		s.stats.Connects++
	}
	if state != StateConnected {
		s.stats.ConnectedSince = time.Time{}
	}
	s.stateMu.Unlock()

	if s.observer != nil && (prev == StateConnected) != (state == StateConnected) {
		s.observer.ConnectionState(s.name, state == StateConnected)
	}
}

func (s *Supervisor) recordAttempt(err error) {
	s.stateMu.Lock()
	s.stats.Attempts++
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	}
	s.stateMu.Unlock()

	if s.observer != nil {
		s.observer.ConnectionAttempt(s.name, err == nil)
	}
}

// Connect establishes the transport. It is a no-op when already connected.
// Attempts are bounded by the policy; exhaustion returns a connection error
// carrying the attempt count. The health monitor starts after the first
// success, or after the first exhausted budget so that later callers fail
// fast while it keeps retrying.
func (s *Supervisor) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsConnected() {
		return nil
	}

	s.setState(StateConnecting)

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()

		err := s.transport.Connect(attemptCtx)
		s.recordAttempt(err)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("connection attempt failed",
			"datasource", s.name,
			"attempt", attempts,
			"max_attempts", s.policy.MaxRetries,
			"retry_in", next,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.policy.RetryDelay), uint64(s.policy.MaxRetries-1)),
		ctx,
	)

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.setState(StateDisconnected)
		slog.Error("failed to connect after retries",
			"datasource", s.name,
			"attempts", attempts,
			"error", err,
		)
		if ctx.Err() == nil {
			s.startMonitor()
		}
		return domain.WrapError(domain.KindConnection, "connect", err).
			With("datasource", s.name).
			With("attempts", attempts).
			With("max_retries", s.policy.MaxRetries)
	}

	s.setState(StateConnected)
	slog.Info("datasource connected", "datasource", s.name, "attempts", attempts)

	s.startMonitor()
	s.fireConnected()
	return nil
}

func (s *Supervisor) startMonitor() {
	if s.tasks != nil && !s.tasks.Running(s.MonitorTaskName()) {
		s.tasks.Start(s.MonitorTaskName(), s.monitor, s.tasks.Defaults())
	}
}

// EnsureConnected returns nil when connected. While the health monitor owns
// reconnection it fails fast with ErrNotConnected; before the first connect
// attempt it performs a full Connect.
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	if s.tasks != nil && s.tasks.Running(s.MonitorTaskName()) {
		return s.notConnected()
	}
	return s.Connect(ctx)
}

// Guard returns a structured not-connected error unless connected.
func (s *Supervisor) Guard() error {
	if s.IsConnected() {
		return nil
	}
	return s.notConnected()
}

func (s *Supervisor) notConnected() error {
	return &domain.Error{
		Kind:    domain.KindConnection,
		Op:      "guard",
		Message: "datasource is not connected",
		Err:     domain.ErrNotConnected,
		Details: map[string]any{"datasource": s.name, "state": string(s.State())},
	}
}

// Disconnect stops the health monitor, then closes the transport. Idempotent.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	if s.tasks != nil {
		s.tasks.Stop(ctx, s.MonitorTaskName())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateDisconnected {
		return nil
	}

	err := s.transport.Close(ctx)
	s.setState(StateDisconnected)
	if err != nil {
		slog.Warn("error closing datasource transport", "datasource", s.name, "error", err)
		return domain.WrapError(domain.KindConnection, "disconnect", err).With("datasource", s.name)
	}
	slog.Info("datasource disconnected", "datasource", s.name)
	return nil
}

// monitor is the supervised health loop.
func (s *Supervisor) monitor(ctx context.Context) error {
	ticker := time.NewTicker(s.policy.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// CheckNow runs a single health check iteration.
func (s *Supervisor) CheckNow(ctx context.Context) {
	s.check(ctx)
}

func (s *Supervisor) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in connection health check", "datasource", s.name, "panic", r)
		}
	}()

	if !s.IsConnected() {
		if err := s.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("reconnect failed", "datasource", s.name, "error", err)
		}
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	err := s.transport.Probe(probeCtx)
	cancel()
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	slog.Warn("health probe failed", "datasource", s.name, "error", err)
	s.markDisconnected(ctx)

	if err := s.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("reconnect failed", "datasource", s.name, "error", err)
	}
}

func (s *Supervisor) markDisconnected(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transport.Close(ctx); err != nil {
		slog.Debug("closing failed transport", "datasource", s.name, "error", err)
	}
	s.setState(StateDisconnected)
}

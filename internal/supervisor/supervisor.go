// Package supervisor runs named background tasks with a per-task restart policy.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/fieldgate/internal/domain"
)

// WorkFunc is the body of a supervised task. It must return when ctx is done.
type WorkFunc func(ctx context.Context) error

// Options is the restart policy of one task.
type Options struct {
	RestartOnFailure bool
	MaxRestarts      int
	RestartDelay     time.Duration
}

// State is the lifecycle state of a task.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// TaskStatus is a point-in-time view of a task.
type TaskStatus struct {
	Name             string    `json:"name"`
	State            State     `json:"status"`
	StartedAt        time.Time `json:"startedAt"`
	UptimeSeconds    float64   `json:"uptime"`
	Restarts         int       `json:"restarts"`
	RestartOnFailure bool      `json:"restartOnFailure"`
	MaxRestarts      int       `json:"maxRestarts"`
	LastError        string    `json:"lastError,omitempty"`
}

// Supervisor owns a registry of named tasks. Restart decisions are made by
// each task's own wrapper; the periodic sweep only reports finished tasks.
type Supervisor struct {
	mu       sync.Mutex
	tasks    map[string]*task
	finished map[string]*task
	defaults Options
	sweep    time.Duration
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sweepOnce sync.Once
}

type task struct {
	name      string
	opts      Options
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	// guarded by Supervisor.mu
	state    State
	restarts int
	lastErr  error
	endedAt  time.Time
}

// New creates a supervisor using cfg for default restart policy and sweep interval.
func New(cfg domain.SupervisorConfig) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 10 * time.Second
	}
	return &Supervisor{
		tasks:    make(map[string]*task),
		finished: make(map[string]*task),
		defaults: Options{MaxRestarts: cfg.MaxRestarts, RestartDelay: cfg.RestartDelay},
		sweep:    sweep,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Defaults returns the configured default restart policy with restarts enabled.
func (s *Supervisor) Defaults() Options {
	opts := s.defaults
	opts.RestartOnFailure = true
	return opts
}

// Start launches work under name. It returns false, with no side effect,
// when a task with that name is already running or the supervisor is closed.
func (s *Supervisor) Start(name string, work WorkFunc, opts Options) bool {
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, running := s.tasks[name]; running {
		s.mu.Unlock()
		slog.Warn("task already running", "task", name)
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		name:      name,
		opts:      opts,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		state:     StateRunning,
	}
	s.tasks[name] = t
	delete(s.finished, name)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, t, work)

	s.sweepOnce.Do(func() {
		go s.sweepLoop()
	})

	slog.Debug("task started", "task", name, "restart_on_failure", opts.RestartOnFailure)
	return true
}

func (s *Supervisor) run(ctx context.Context, t *task, work WorkFunc) {
	defer s.wg.Done()
	defer close(t.done)
	defer t.cancel()

	final := StateCompleted
	for {
		err := invoke(ctx, work)

		if ctx.Err() != nil {
			final = StateCancelled
			slog.Debug("task cancelled", "task", t.name)
			break
		}
		if err == nil {
			slog.Info("task completed", "task", t.name)
			break
		}

		s.mu.Lock()
		t.lastErr = err
		restarts := t.restarts
		s.mu.Unlock()

		slog.Error("task failed", "task", t.name, "error", err)

		if !t.opts.RestartOnFailure || restarts >= t.opts.MaxRestarts {
			if t.opts.RestartOnFailure {
				slog.Warn("task reached maximum restarts", "task", t.name, "max_restarts", t.opts.MaxRestarts)
			}
			final = StateFailed
			break
		}

		s.mu.Lock()
		t.restarts++
		restarts = t.restarts
		s.mu.Unlock()

		slog.Info("restarting failed task",
			"task", t.name,
			"attempt", restarts,
			"max_restarts", t.opts.MaxRestarts,
			"delay", t.opts.RestartDelay,
		)

		timer := time.NewTimer(t.opts.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			final = StateCancelled
		case <-timer.C:
		}
		if final == StateCancelled {
			break
		}
	}

	s.mu.Lock()
	t.state = final
	t.endedAt = time.Now()
	if s.tasks[t.name] == t {
		delete(s.tasks, t.name)
		s.finished[t.name] = t
	}
	s.mu.Unlock()
}

// invoke runs work, turning a panic into an error.
func invoke(ctx context.Context, work WorkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	err = work(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop cancels the named task and waits for it to return before removing
// its bookkeeping. It returns false when no task with that name is known.
func (s *Supervisor) Stop(ctx context.Context, name string) bool {
	s.mu.Lock()
	t, running := s.tasks[name]
	if !running {
		_, known := s.finished[name]
		delete(s.finished, name)
		s.mu.Unlock()
		if !known {
			slog.Debug("no task found", "task", name)
		}
		return known
	}
	s.mu.Unlock()

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for task to stop", "task", name)
	}

	s.mu.Lock()
	if s.tasks[name] == t {
		delete(s.tasks, name)
	}
	if s.finished[name] == t {
		delete(s.finished, name)
	}
	s.mu.Unlock()

	slog.Debug("task stopped", "task", name)
	return true
}

// Running reports whether a task with name is currently running.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Status returns the status of one task, running or finished but not yet swept.
func (s *Supervisor) Status(name string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		return s.statusLocked(t), true
	}
	if t, ok := s.finished[name]; ok {
		return s.statusLocked(t), true
	}
	return TaskStatus{}, false
}

// StatusAll returns the status of every known task, sorted by name.
func (s *Supervisor) StatusAll() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks)+len(s.finished))
	for _, t := range s.tasks {
		out = append(out, s.statusLocked(t))
	}
	for _, t := range s.finished {
		out = append(out, s.statusLocked(t))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) statusLocked(t *task) TaskStatus {
	end := time.Now()
	if !t.endedAt.IsZero() {
		end = t.endedAt
	}
	st := TaskStatus{
		Name:             t.name,
		State:            t.state,
		StartedAt:        t.startedAt,
		UptimeSeconds:    end.Sub(t.startedAt).Seconds(),
		Restarts:         t.restarts,
		RestartOnFailure: t.opts.RestartOnFailure,
		MaxRestarts:      t.opts.MaxRestarts,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}

// StopAll stops every running task.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.Stop(ctx, name)
	}
}

// Close stops every task and the sweep loop. Start returns false afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.StopAll(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) sweepLoop() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep logs finished tasks and forgets them. It never restarts anything.
func (s *Supervisor) Sweep() {
	s.mu.Lock()
	finished := make([]*task, 0, len(s.finished))
	for name, t := range s.finished {
		finished = append(finished, t)
		delete(s.finished, name)
	}
	s.mu.Unlock()

	for _, t := range finished {
		switch t.state {
		case StateFailed:
			slog.Warn("task finished with error",
				"task", t.name,
				"restarts", t.restarts,
				"error", t.lastErr,
			)
		default:
			slog.Debug("task finished", "task", t.name, "status", t.state)
		}
	}
}

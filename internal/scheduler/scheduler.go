// Package scheduler runs named interval jobs as supervised tasks.
// Each job has its own run lock, so two runs of the same job never overlap.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/supervisor"
)

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

// JobInfo is a snapshot of a job.
type JobInfo struct {
	ID              string        `json:"id"`
	Interval        time.Duration `json:"-"`
	IntervalSeconds float64       `json:"intervalSeconds"`
	Paused          bool          `json:"paused"`
	LastRun         time.Time     `json:"lastRun,omitempty"`
	NextRun         time.Time     `json:"nextRun,omitempty"`
	Runs            int64         `json:"runs"`
	Failures        int64         `json:"failures"`
	LastError       string        `json:"lastError,omitempty"`
}

type job struct {
	id       string
	interval time.Duration
	fn       JobFunc

	// run serializes executions of this job.
	run sync.Mutex

	mu       sync.Mutex
	paused   bool
	lastRun  time.Time
	nextRun  time.Time
	runs     int64
	failures int64
	lastErr  error
}

// Scheduler owns the job registry. Job loops run under a TaskSupervisor
// with its default restart policy.
type Scheduler struct {
	tasks *supervisor.Supervisor

	mu   sync.RWMutex
	jobs map[string]*job
}

// New creates a scheduler running jobs under tasks.
func New(tasks *supervisor.Supervisor) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		jobs:  make(map[string]*job),
	}
}

// TaskName is the supervised task name of a job loop.
func TaskName(id string) string {
	return "job:" + id
}

// Add registers a recurring job. The first scheduled run happens one
// interval after Add; use RunNow for an immediate run.
func (s *Scheduler) Add(id string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return domain.NewError(domain.KindScheduling, "add job", "interval must be positive").
			With("job_id", id).
			With("interval", interval.String())
	}

	s.mu.Lock()
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return domain.NewError(domain.KindScheduling, "add job", "job already exists").With("job_id", id)
	}
	j := &job{id: id, interval: interval, fn: fn, nextRun: time.Now().Add(interval)}
	s.jobs[id] = j
	s.mu.Unlock()

	if !s.tasks.Start(TaskName(id), func(ctx context.Context) error {
		return s.loop(ctx, j)
	}, s.tasks.Defaults()) {
		s.mu.Lock()
		if s.jobs[id] == j {
			delete(s.jobs, id)
		}
		s.mu.Unlock()
		return domain.NewError(domain.KindScheduling, "add job", "failed to start job task").With("job_id", id)
	}

	slog.Debug("job scheduled", "job_id", id, "interval", interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.mu.Lock()
			paused := j.paused
			j.nextRun = time.Now().Add(j.interval)
			j.mu.Unlock()
			if paused {
				continue
			}
			if !j.run.TryLock() {
				slog.Debug("job still running, skipping tick", "job_id", j.id)
				continue
			}
			s.execute(ctx, j)
			j.run.Unlock()
		}
	}
}

// execute runs the job once. The caller holds j.run.
func (s *Scheduler) execute(ctx context.Context, j *job) error {
	err := invoke(ctx, j.fn)

	j.mu.Lock()
	j.lastRun = time.Now()
	j.runs++
	if err != nil {
		j.failures++
		j.lastErr = err
	} else {
		j.lastErr = nil
	}
	j.mu.Unlock()
	return err
}

func invoke(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// RunNow runs the job synchronously, waiting for any in-flight run first,
// and returns the run's error.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	j, ok := s.get(id)
	if !ok {
		return domain.NewError(domain.KindNotFound, "run job", "job not found").With("job_id", id)
	}
	j.run.Lock()
	defer j.run.Unlock()
	return s.execute(ctx, j)
}

// Remove cancels future runs of the job and waits for its loop to exit.
// A run already in flight may still complete. The id stays taken until the
// loop is gone, so an Add after Remove returns always succeeds.
func (s *Scheduler) Remove(ctx context.Context, id string) bool {
	j, ok := s.get(id)
	if !ok {
		return false
	}
	s.tasks.Stop(ctx, TaskName(id))

	s.mu.Lock()
	if s.jobs[id] == j {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	slog.Debug("job removed", "job_id", id)
	return true
}

// Pause stops scheduled runs of the job without removing it.
func (s *Scheduler) Pause(id string) error {
	return s.setPaused(id, true)
}

// Resume re-enables scheduled runs of a paused job.
func (s *Scheduler) Resume(id string) error {
	return s.setPaused(id, false)
}

func (s *Scheduler) setPaused(id string, paused bool) error {
	j, ok := s.get(id)
	if !ok {
		return domain.NewError(domain.KindNotFound, "pause job", "job not found").With("job_id", id)
	}
	j.mu.Lock()
	j.paused = paused
	j.mu.Unlock()
	slog.Info("job state changed", "job_id", id, "paused", paused)
	return nil
}

// Has reports whether a job is registered.
func (s *Scheduler) Has(id string) bool {
	_, ok := s.get(id)
	return ok
}

// Job returns a snapshot of one job.
func (s *Scheduler) Job(id string) (JobInfo, bool) {
	j, ok := s.get(id)
	if !ok {
		return JobInfo{}, false
	}
	return j.info(), true
}

// Jobs returns snapshots of every job, sorted by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Close removes every job.
func (s *Scheduler) Close(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Remove(ctx, id)
	}
}

func (s *Scheduler) get(id string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (j *job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:              j.id,
		Interval:        j.interval,
		IntervalSeconds: j.interval.Seconds(),
		Paused:          j.paused,
		LastRun:         j.lastRun,
		NextRun:         j.nextRun,
		Runs:            j.runs,
		Failures:        j.failures,
	}
	if j.lastErr != nil {
		info.LastError = j.lastErr.Error()
	}
	return info
}

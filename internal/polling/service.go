// Package polling schedules periodic node reads per tenant and persists the
// schedule so it survives restarts.
package polling

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/ingest"
	"github.com/opensource-finance/fieldgate/internal/logging"
	"github.com/opensource-finance/fieldgate/internal/metrics"
	"github.com/opensource-finance/fieldgate/internal/scheduler"
	"github.com/opensource-finance/fieldgate/internal/tags"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fieldgate-polling")

// Store is the persistence the polling service needs.
type Store interface {
	ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error)
	UpsertPollingTask(ctx context.Context, tenantID string, task *domain.PollingTask) error
	UpdatePollingTimestamps(ctx context.Context, tenantID string, taskID string, lastPolled, nextPolled time.Time) error
	DeactivatePollingTasks(ctx context.Context, tenantID string, tagID string) (int64, error)
	ListActivePollingTasks(ctx context.Context, tenantID string) ([]*domain.PollingTask, error)
}

// Reader reads node values. Implemented by *datasource.Pool.
type Reader interface {
	ReadNode(ctx context.Context, tenantID, ref, nodeID string) (*domain.DataValue, error)
}

// Request asks for nodeID to be polled every IntervalSeconds. DataSource is
// a datasource id or name; empty selects the tenant default.
type Request struct {
	TenantID        string `json:"-"`
	NodeID          string `json:"node_id"`
	IntervalSeconds int    `json:"interval_seconds"`
	DataSource      string `json:"datasource,omitempty"`
}

// RunResult is the outcome of one poll.
type RunResult struct {
	Success   bool      `json:"success"`
	Value     string    `json:"value,omitempty"`
	Quality   string    `json:"quality,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Node describes a polled node.
type Node struct {
	TenantID        string            `json:"tenant_id"`
	NodeID          string            `json:"node_id"`
	DataSourceID    string            `json:"datasource_id"`
	TagID           string            `json:"tag_id"`
	TaskID          string            `json:"task_id"`
	JobID           string            `json:"job_id"`
	IntervalSeconds int               `json:"interval_seconds"`
	Job             scheduler.JobInfo `json:"job"`
	FirstRun        *RunResult        `json:"first_run,omitempty"`
}

type entry struct {
	tag      *domain.Tag
	taskID   string
	jobID    string
	interval int

	mu   sync.Mutex
	last *domain.Reading
}

func (e *entry) setLast(r *domain.Reading) {
	e.mu.Lock()
	e.last = r
	e.mu.Unlock()
}

func (e *entry) lastReading() *domain.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// tenantNodes is guarded by its own mutex so tenants do not serialize
// each other.
type tenantNodes struct {
	mu    sync.Mutex
	nodes map[string]*entry // node id
}

// Service is the polling scheduler.
type Service struct {
	store    Store
	reader   Reader
	resolver *tags.Resolver
	jobs     *scheduler.Scheduler
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	throttle *logging.Throttle
	cfg      domain.PollingConfig

	// ctx bounds first runs started by Restore.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tenants map[string]*tenantNodes
}

// Options holds the polling service collaborators.
type Options struct {
	Store     Store
	Reader    Reader
	Resolver  *tags.Resolver
	Scheduler *scheduler.Scheduler
	Pipeline  *ingest.Pipeline
	Metrics   *metrics.Metrics
	Config    domain.PollingConfig
}

// New creates a polling service.
func New(opts Options) *Service {
	cfg := opts.Config
	if cfg.RestoreAttempts <= 0 {
		cfg.RestoreAttempts = 5
	}
	if cfg.RestoreBackoff <= 0 {
		cfg.RestoreBackoff = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		store:    opts.Store,
		reader:   opts.Reader,
		resolver: opts.Resolver,
		jobs:     opts.Scheduler,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		throttle: logging.NewThrottle(cfg.ErrorLogWindow, nil),
		cfg:      cfg,
		tenants:  make(map[string]*tenantNodes),
	}
}

// JobID is the scheduler id of a polled node.
func JobID(tenantID, nodeID string) string {
	return "poll:" + tenantID + ":" + nodeID
}

func (s *Service) tenant(tenantID string) *tenantNodes {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = &tenantNodes{nodes: make(map[string]*entry)}
		s.tenants[tenantID] = t
	}
	return t
}

// Add starts polling a node, replacing any existing schedule for it. The
// node is verified and read once before Add returns; the outcome of that
// read is reported in Node.FirstRun.
func (s *Service) Add(ctx context.Context, req Request) (*Node, error) {
	if req.TenantID == "" {
		return nil, domain.NewError(domain.KindValidation, "add polling", "tenant id is required")
	}
	if _, err := domain.ParseNodeID(req.NodeID); err != nil {
		return nil, err
	}
	if req.IntervalSeconds <= 0 {
		return nil, domain.NewError(domain.KindValidation, "add polling", "interval must be positive").
			With("interval_seconds", req.IntervalSeconds)
	}

	t := s.tenant(req.TenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[req.NodeID]; ok {
		if err := s.removeLocked(ctx, req.TenantID, t, req.NodeID); err != nil {
			return nil, err
		}
	}

	dsID, err := s.resolver.DataSourceID(ctx, req.TenantID, req.DataSource)
	if err != nil {
		return nil, err
	}
	tag, err := s.resolver.GetOrCreate(ctx, req.TenantID, req.NodeID, dsID, req.NodeID)
	if err != nil {
		return nil, err
	}
	e, err := s.scheduleLocked(ctx, t, tag, req.IntervalSeconds)
	if err != nil {
		return nil, err
	}

	// RunNow holds the job's run lock, so a scheduled tick cannot overlap it.
	first := &RunResult{Success: true}
	if err := s.jobs.RunNow(ctx, e.jobID); err != nil {
		first = &RunResult{Success: false, Error: err.Error()}
	} else if r := e.lastReading(); r != nil {
		first.Value = r.Value
		first.Quality = r.Quality
		first.Timestamp = r.Timestamp
	}

	node := s.describe(e)
	node.FirstRun = first
	return &node, nil
}

// scheduleLocked persists the task and registers the job. The first tick
// comes one interval later. The caller holds t.mu.
func (s *Service) scheduleLocked(ctx context.Context, t *tenantNodes, tag *domain.Tag, interval int) (*entry, error) {
	next := time.Now().UTC().Add(time.Duration(interval) * time.Second)
	task := &domain.PollingTask{TagID: tag.ID, IntervalSeconds: interval, NextPolled: &next}
	if err := s.store.UpsertPollingTask(ctx, tag.TenantID, task); err != nil {
		return nil, domain.WrapError(domain.KindScheduling, "add polling", err).
			With("tenant_id", tag.TenantID).
			With("node_id", tag.ConnectionString)
	}

	e := &entry{
		tag:      tag,
		taskID:   task.ID,
		jobID:    JobID(tag.TenantID, tag.ConnectionString),
		interval: interval,
	}
	err := s.jobs.Add(e.jobID, time.Duration(interval)*time.Second, func(ctx context.Context) error {
		_, err := s.poll(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.nodes[tag.ConnectionString] = e
	s.metrics.SetPollingJobs(tag.TenantID, len(t.nodes))

	slog.Info("polling added",
		"tenant_id", tag.TenantID,
		"node_id", tag.ConnectionString,
		"tag_id", tag.ID,
		"interval_seconds", interval,
	)
	return e, nil
}

// poll reads the node once, stores the reading and updates the task
// timestamps. Failures are logged at most once per window per job.
func (s *Service) poll(ctx context.Context, e *entry) (*domain.Reading, error) {
	tenantID := e.tag.TenantID
	ctx, span := tracer.Start(ctx, "polling.tick",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("node_id", e.tag.ConnectionString),
			attribute.Int("interval_seconds", e.interval),
		),
	)
	defer span.End()

	start := time.Now()
	v, err := s.reader.ReadNode(ctx, tenantID, e.tag.DataSourceID, e.tag.ConnectionString)
	if err != nil {
		s.metrics.ReadingFailed(tenantID, metrics.SourcePoll)
		s.throttle.Error(e.jobID, "polling read failed",
			"tenant_id", tenantID,
			"node_id", e.tag.ConnectionString,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	reading := ingest.NewReading(v, domain.PollingFrequency(e.interval), time.Now())
	if err := s.pipeline.Ingest(ctx, metrics.SourcePoll, e.tag, reading); err != nil {
		s.throttle.Error(e.jobID, "failed to store polled reading",
			"tenant_id", tenantID,
			"node_id", e.tag.ConnectionString,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.throttle.Forget(e.jobID)
	s.metrics.ObservePoll(time.Since(start))

	last := reading.Timestamp
	next := last.Add(time.Duration(e.interval) * time.Second)
	if err := s.store.UpdatePollingTimestamps(ctx, tenantID, e.taskID, last, next); err != nil {
		slog.Warn("failed to update polling timestamps",
			"tenant_id", tenantID,
			"task_id", e.taskID,
			"error", err,
		)
	}

	slog.Debug("node polled",
		"tenant_id", tenantID,
		"node_id", e.tag.ConnectionString,
		"value", reading.Value,
		"source_timestamp", reading.SourceTimestamp,
	)
	e.setLast(reading)
	return reading, nil
}

// Remove stops polling a node and deactivates its persisted tasks. Readings
// already stored are kept.
func (s *Service) Remove(ctx context.Context, tenantID, nodeID string) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[nodeID]; !ok {
		return domain.NewError(domain.KindNotFound, "remove polling", "node is not polled").
			With("tenant_id", tenantID).
			With("node_id", nodeID)
	}
	return s.removeLocked(ctx, tenantID, t, nodeID)
}

func (s *Service) removeLocked(ctx context.Context, tenantID string, t *tenantNodes, nodeID string) error {
	e := t.nodes[nodeID]
	s.jobs.Remove(ctx, e.jobID)
	delete(t.nodes, nodeID)
	s.throttle.Forget(e.jobID)
	s.metrics.SetPollingJobs(tenantID, len(t.nodes))

	n, err := s.store.DeactivatePollingTasks(ctx, tenantID, e.tag.ID)
	if err != nil {
		return domain.WrapError(domain.KindScheduling, "remove polling", err).
			With("tenant_id", tenantID).
			With("node_id", nodeID)
	}
	slog.Info("polling removed",
		"tenant_id", tenantID,
		"node_id", nodeID,
		"deactivated", n,
	)
	return nil
}

// Pause stops scheduled polls of a node without deactivating it.
func (s *Service) Pause(tenantID, nodeID string) error {
	return s.jobs.Pause(JobID(tenantID, nodeID))
}

// Resume restarts scheduled polls of a paused node.
func (s *Service) Resume(tenantID, nodeID string) error {
	return s.jobs.Resume(JobID(tenantID, nodeID))
}

// List returns the tenant's polled nodes sorted by node id.
func (s *Service) List(tenantID string) []Node {
	t := s.tenant(tenantID)
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.nodes))
	for _, e := range t.nodes {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	out := make([]Node, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.describe(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Count returns the number of polled nodes across tenants.
func (s *Service) Count() int {
	s.mu.Lock()
	tenants := make([]*tenantNodes, 0, len(s.tenants))
	for _, t := range s.tenants {
		tenants = append(tenants, t)
	}
	s.mu.Unlock()

	n := 0
	for _, t := range tenants {
		t.mu.Lock()
		n += len(t.nodes)
		t.mu.Unlock()
	}
	return n
}

func (s *Service) describe(e *entry) Node {
	n := Node{
		TenantID:        e.tag.TenantID,
		NodeID:          e.tag.ConnectionString,
		DataSourceID:    e.tag.DataSourceID,
		TagID:           e.tag.ID,
		TaskID:          e.taskID,
		JobID:           e.jobID,
		IntervalSeconds: e.interval,
	}
	if job, ok := s.jobs.Job(e.jobID); ok {
		n.Job = job
	}
	return n
}

// Restore re-registers every active persisted task of every active tenant.
// The first run of each restored job happens in the background, so an
// unreachable datasource cannot hold up startup. Enumerating tenants is
// retried with a fixed backoff; rows with invalid node ids are skipped. It
// returns the number of restored nodes.
func (s *Service) Restore(ctx context.Context) (int, error) {
	var tenants []*domain.Tenant
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RestoreBackoff), uint64(s.cfg.RestoreAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		var err error
		tenants, err = s.store.ListActiveTenants(ctx)
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("listing tenants for polling restore failed, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		slog.Error("polling restore failed", "error", err)
		return 0, domain.WrapError(domain.KindScheduling, "restore polling", err)
	}

	var jobIDs []string
	for _, tenant := range tenants {
		jobIDs = append(jobIDs, s.restoreTenant(ctx, tenant.ID)...)
	}
	slog.Info("polling tasks restored", "tenants", len(tenants), "restored", len(jobIDs))

	if len(jobIDs) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for _, id := range jobIDs {
				if s.ctx.Err() != nil {
					return
				}
				if err := s.jobs.RunNow(s.ctx, id); err != nil {
					slog.Debug("first run after restore failed", "job_id", id, "error", err)
				}
			}
		}()
	}
	return len(jobIDs), nil
}

// restoreTenant schedules the tenant's rows and returns the new job ids.
func (s *Service) restoreTenant(ctx context.Context, tenantID string) []string {
	tasks, err := s.store.ListActivePollingTasks(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list polling tasks", "tenant_id", tenantID, "error", err)
		return nil
	}

	t := s.tenant(tenantID)
	var restored []string
	for _, task := range tasks {
		if task.Tag == nil || !domain.ValidNodeID(task.Tag.ConnectionString) {
			connectionString := ""
			if task.Tag != nil {
				connectionString = task.Tag.ConnectionString
			}
			slog.Warn("skipping polling task with invalid node id",
				"tenant_id", tenantID,
				"task_id", task.ID,
				"connection_string", connectionString,
			)
			continue
		}

		t.mu.Lock()
		if _, exists := t.nodes[task.Tag.ConnectionString]; exists {
			t.mu.Unlock()
			continue
		}
		e, err := s.scheduleLocked(ctx, t, task.Tag, task.IntervalSeconds)
		t.mu.Unlock()
		if err != nil {
			slog.Warn("failed to restore polling task",
				"tenant_id", tenantID,
				"node_id", task.Tag.ConnectionString,
				"error", err,
			)
			continue
		}
		restored = append(restored, e.jobID)
	}
	return restored
}

// Close stops every polling job without deactivating persisted tasks.
func (s *Service) Close(ctx context.Context) {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	tenants := make(map[string]*tenantNodes, len(s.tenants))
	for id, t := range s.tenants {
		tenants[id] = t
	}
	s.mu.Unlock()

	for id, t := range tenants {
		t.mu.Lock()
		for nodeID, e := range t.nodes {
			s.jobs.Remove(ctx, e.jobID)
			delete(t.nodes, nodeID)
		}
		t.mu.Unlock()
		s.metrics.SetPollingJobs(id, 0)
	}
}

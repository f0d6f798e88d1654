// Package subscription manages push-based node subscriptions. Each tenant
// datasource gets one protocol subscription; node watches are multiplexed
// onto it as monitored items.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/ingest"
	"github.com/opensource-finance/fieldgate/internal/logging"
	"github.com/opensource-finance/fieldgate/internal/metrics"
	"github.com/opensource-finance/fieldgate/internal/tags"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("fieldgate-subscription")

// Store is the persistence the manager needs.
type Store interface {
	ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error)
	UpsertSubscriptionTask(ctx context.Context, tenantID string, task *domain.SubscriptionTask) error
	DeactivateSubscriptionTask(ctx context.Context, tenantID string, tagID string) error
	ListActiveSubscriptionTasks(ctx context.Context, tenantID string) ([]*domain.SubscriptionTask, error)
}

// Sources lends datasource connections. Implemented by *datasource.Pool.
type Sources interface {
	WithConnection(ctx context.Context, tenantID, ref string, fn func(ctx context.Context, lease *datasource.Lease) error) error
	OnSessionChange(fn func(tenantID, dataSourceID string))
}

// Request asks for nodeID to be watched. DataSource is an id or name; empty
// selects the tenant default.
type Request struct {
	TenantID   string `json:"-"`
	NodeID     string `json:"node_id"`
	DataSource string `json:"datasource,omitempty"`
}

// Subscription describes a watched node.
type Subscription struct {
	TenantID     string    `json:"tenant_id"`
	NodeID       string    `json:"node_id"`
	DataSourceID string    `json:"datasource_id"`
	TagID        string    `json:"tag_id"`
	TaskID       string    `json:"task_id"`
	Handle       uint32    `json:"handle"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdate   time.Time `json:"last_update,omitempty"`
	Updates      int64     `json:"updates"`
	Existing     bool      `json:"existing,omitempty"`
}

type watch struct {
	tag       *domain.Tag
	handle    uint32
	taskID    string
	createdAt time.Time

	mu         sync.Mutex
	lastUpdate time.Time
	updates    int64
}

func (w *watch) currentHandle() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

func (w *watch) touch(at time.Time) {
	w.mu.Lock()
	w.lastUpdate = at
	w.updates++
	w.mu.Unlock()
}

// protocolSub is a protocol subscription and the session it lives on.
type protocolSub struct {
	ps      datasource.ProtocolSubscription
	session datasource.Session
}

// tenantState holds one tenant's subscriptions. op serializes create,
// remove, resubscribe and cleanup; mu guards the maps and is the only lock
// the notification callback takes.
type tenantState struct {
	op sync.Mutex

	mu      sync.RWMutex
	subs    map[string]*protocolSub // datasource id
	watches map[string]*watch       // node id
}

// Manager is the subscription manager.
type Manager struct {
	store    Store
	sources  Sources
	resolver *tags.Resolver
	pipeline *ingest.Pipeline
	metrics  *metrics.Metrics
	throttle *logging.Throttle
	cfg      domain.SubscriptionConfig

	// ctx bounds protocol subscriptions, which outlive the request that
	// created them.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// Options holds the manager collaborators.
type Options struct {
	Store    Store
	Sources  Sources
	Resolver *tags.Resolver
	Pipeline *ingest.Pipeline
	Metrics  *metrics.Metrics
	Config   domain.SubscriptionConfig
}

// New creates a manager.
func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 500 * time.Millisecond
	}
	if cfg.RestoreAttempts <= 0 {
		cfg.RestoreAttempts = 5
	}
	if cfg.RestoreBackoff <= 0 {
		cfg.RestoreBackoff = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    opts.Store,
		sources:  opts.Sources,
		resolver: opts.Resolver,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		throttle: logging.NewThrottle(cfg.ErrorLogWindow, nil),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		tenants:  make(map[string]*tenantState),
	}
	m.sources.OnSessionChange(m.resubscribe)
	return m
}

func (m *Manager) tenant(tenantID string) *tenantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		t = &tenantState{
			subs:    make(map[string]*protocolSub),
			watches: make(map[string]*watch),
		}
		m.tenants[tenantID] = t
	}
	return t
}

// Create watches a node. It is idempotent: a node already watched returns
// its existing subscription with Existing set.
func (m *Manager) Create(ctx context.Context, req Request) (*Subscription, error) {
	if req.TenantID == "" {
		return nil, domain.NewError(domain.KindValidation, "create subscription", "tenant id is required")
	}
	if _, err := domain.ParseNodeID(req.NodeID); err != nil {
		return nil, err
	}

	t := m.tenant(req.TenantID)
	t.op.Lock()
	defer t.op.Unlock()

	t.mu.RLock()
	w, ok := t.watches[req.NodeID]
	t.mu.RUnlock()
	if ok {
		s := describe(w)
		s.Existing = true
		return &s, nil
	}

	dsID, err := m.resolver.DataSourceID(ctx, req.TenantID, req.DataSource)
	if err != nil {
		return nil, err
	}
	tag, err := m.resolver.GetOrCreate(ctx, req.TenantID, req.NodeID, dsID, req.NodeID)
	if err != nil {
		return nil, err
	}

	w, err = m.watchLocked(ctx, t, tag)
	if err != nil {
		return nil, err
	}
	s := describe(w)
	return &s, nil
}

// watchLocked monitors tag on the datasource's protocol subscription,
// creating that subscription on first use, and persists the task.
// The caller holds t.op.
func (m *Manager) watchLocked(ctx context.Context, t *tenantState, tag *domain.Tag) (*watch, error) {
	tenantID, nodeID := tag.TenantID, tag.ConnectionString

	ps, err := m.protocolSubscription(ctx, t, tenantID, tag.DataSourceID)
	if err != nil {
		return nil, err
	}

	handle, err := ps.Monitor(ctx, nodeID)
	if err != nil {
		return nil, domain.WrapError(domain.KindSubscription, "create subscription", err).
			With("tenant_id", tenantID).
			With("node_id", nodeID)
	}

	task := &domain.SubscriptionTask{TagID: tag.ID}
	if err := m.store.UpsertSubscriptionTask(ctx, tenantID, task); err != nil {
		if uerr := ps.Unmonitor(ctx, handle); uerr != nil {
			slog.Warn("failed to roll back monitored item", "tenant_id", tenantID, "node_id", nodeID, "error", uerr)
		}
		return nil, domain.WrapError(domain.KindSubscription, "create subscription", err).
			With("tenant_id", tenantID).
			With("node_id", nodeID)
	}

	w := &watch{tag: tag, handle: handle, taskID: task.ID, createdAt: time.Now().UTC()}
	t.mu.Lock()
	t.watches[nodeID] = w
	n := len(t.watches)
	t.mu.Unlock()
	m.metrics.SetSubscriptions(tenantID, n)

	slog.Info("subscription created",
		"tenant_id", tenantID,
		"node_id", nodeID,
		"tag_id", tag.ID,
		"handle", handle,
	)
	return w, nil
}

// protocolSubscription returns the tenant's subscription on dataSourceID,
// creating it when missing. A subscription from an earlier session is
// replaced and every watch on that datasource is monitored again. The caller
// holds t.op.
func (m *Manager) protocolSubscription(ctx context.Context, t *tenantState, tenantID, dataSourceID string) (datasource.ProtocolSubscription, error) {
	t.mu.RLock()
	cur := t.subs[dataSourceID]
	t.mu.RUnlock()

	var next *protocolSub
	handler := m.handler(tenantID, dataSourceID)
	err := m.sources.WithConnection(ctx, tenantID, dataSourceID, func(ctx context.Context, lease *datasource.Lease) error {
		session := lease.Session()
		if cur != nil && cur.session == session {
			return nil
		}
		ps, err := lease.Subscribe(m.ctx, m.cfg.PublishInterval, handler)
		if err != nil {
			return err
		}
		next = &protocolSub{ps: ps, session: session}
		return nil
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindSubscription, "create subscription", err).
			With("tenant_id", tenantID).
			With("datasource_id", dataSourceID)
	}
	if next == nil {
		return cur.ps, nil
	}

	t.mu.Lock()
	t.subs[dataSourceID] = next
	t.mu.Unlock()

	if cur == nil {
		slog.Info("protocol subscription created",
			"tenant_id", tenantID,
			"datasource_id", dataSourceID,
			"publish_interval", m.cfg.PublishInterval,
		)
		return next.ps, nil
	}

	// The old session is gone; cancelling is best effort.
	if err := cur.ps.Cancel(ctx); err != nil {
		slog.Debug("failed to cancel stale protocol subscription",
			"tenant_id", tenantID,
			"datasource_id", dataSourceID,
			"error", err,
		)
	}
	m.remonitor(ctx, t, tenantID, dataSourceID, next.ps)
	return next.ps, nil
}

// remonitor moves every watch on dataSourceID onto ps. A watch that cannot be
// monitored keeps its stale handle and is retried on the next session.
func (m *Manager) remonitor(ctx context.Context, t *tenantState, tenantID, dataSourceID string, ps datasource.ProtocolSubscription) {
	t.mu.RLock()
	watches := make([]*watch, 0, len(t.watches))
	for _, w := range t.watches {
		if w.tag.DataSourceID == dataSourceID {
			watches = append(watches, w)
		}
	}
	t.mu.RUnlock()

	moved := 0
	for _, w := range watches {
		handle, err := ps.Monitor(ctx, w.tag.ConnectionString)
		if err != nil {
			slog.Warn("failed to monitor node on new session",
				"tenant_id", tenantID,
				"node_id", w.tag.ConnectionString,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.handle = handle
		w.mu.Unlock()
		moved++
	}
	slog.Info("protocol subscription recreated",
		"tenant_id", tenantID,
		"datasource_id", dataSourceID,
		"watches", moved,
	)
}

// resubscribe brings the tenant's subscription on dataSourceID onto the
// current session. It runs when the pool reports a session change and does
// nothing when the subscription is already current.
func (m *Manager) resubscribe(tenantID, dataSourceID string) {
	if m.ctx.Err() != nil {
		return
	}
	t := m.tenant(tenantID)
	t.op.Lock()
	defer t.op.Unlock()

	t.mu.RLock()
	_, ok := t.subs[dataSourceID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := m.protocolSubscription(m.ctx, t, tenantID, dataSourceID); err != nil {
		m.throttle.Warn("resubscribe:"+tenantID+":"+dataSourceID, "failed to resubscribe after session change",
			"tenant_id", tenantID,
			"datasource_id", dataSourceID,
			"error", err,
		)
	}
}

// handler builds the data-change callback for one tenant datasource. It
// never lets an error or panic escape into the protocol dispatch loop.
func (m *Manager) handler(tenantID, dataSourceID string) datasource.DataChangeHandler {
	return func(nodeID string, value *domain.DataValue) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("subscription callback panic",
					"tenant_id", tenantID,
					"node_id", nodeID,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		m.notify(tenantID, dataSourceID, nodeID, value)
	}
}

func (m *Manager) notify(tenantID, dataSourceID, nodeID string, value *domain.DataValue) {
	t := m.tenant(tenantID)
	t.mu.RLock()
	w, ok := t.watches[nodeID]
	t.mu.RUnlock()
	if !ok || w.tag.DataSourceID != dataSourceID {
		slog.Debug("notification for unwatched node", "tenant_id", tenantID, "node_id", nodeID)
		return
	}
	if value == nil {
		return
	}

	ctx, span := tracer.Start(m.ctx, "subscription.notify",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("node_id", nodeID),
		),
	)
	defer span.End()

	now := time.Now().UTC()
	reading := ingest.NewReading(value, domain.FrequencySubscription, now)
	if reading.SourceTimestamp.IsZero() {
		m.throttle.Warn("timestamp:"+tenantID+":"+nodeID, "notification without source timestamp, using current time",
			"tenant_id", tenantID,
			"node_id", nodeID,
		)
		reading.SourceTimestamp = now
	}

	if err := m.pipeline.Ingest(ctx, metrics.SourceSub, w.tag, reading); err != nil {
		m.throttle.Error("ingest:"+tenantID+":"+nodeID, "failed to store subscription reading",
			"tenant_id", tenantID,
			"node_id", nodeID,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	w.touch(now)
}

// Remove stops watching a node and deactivates its persisted task. An
// unknown node is reported as a not-found error.
func (m *Manager) Remove(ctx context.Context, tenantID, nodeID string) error {
	t := m.tenant(tenantID)
	t.op.Lock()
	defer t.op.Unlock()

	t.mu.RLock()
	w, ok := t.watches[nodeID]
	var ps datasource.ProtocolSubscription
	if ok {
		if sub := t.subs[w.tag.DataSourceID]; sub != nil {
			ps = sub.ps
		}
	}
	t.mu.RUnlock()
	if !ok {
		return domain.NewError(domain.KindNotFound, "remove subscription", "node is not subscribed").
			With("tenant_id", tenantID).
			With("node_id", nodeID)
	}

	if ps != nil {
		handle := w.currentHandle()
		if err := ps.Unmonitor(ctx, handle); err != nil {
			slog.Warn("failed to remove monitored item",
				"tenant_id", tenantID,
				"node_id", nodeID,
				"handle", handle,
				"error", err,
			)
		}
	}

	t.mu.Lock()
	delete(t.watches, nodeID)
	n := len(t.watches)
	t.mu.Unlock()
	m.metrics.SetSubscriptions(tenantID, n)

	if err := m.store.DeactivateSubscriptionTask(ctx, tenantID, w.tag.ID); err != nil {
		return domain.WrapError(domain.KindSubscription, "remove subscription", err).
			With("tenant_id", tenantID).
			With("node_id", nodeID)
	}
	slog.Info("subscription removed", "tenant_id", tenantID, "node_id", nodeID)
	return nil
}

// List returns the tenant's subscriptions sorted by node id.
func (m *Manager) List(tenantID string) []Subscription {
	t := m.tenant(tenantID)
	t.mu.RLock()
	out := make([]Subscription, 0, len(t.watches))
	for _, w := range t.watches {
		out = append(out, describe(w))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Count returns the number of watched nodes across tenants.
func (m *Manager) Count() int {
	n := 0
	for _, t := range m.snapshot() {
		t.mu.RLock()
		n += len(t.watches)
		t.mu.RUnlock()
	}
	return n
}

func (m *Manager) snapshot() map[string]*tenantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*tenantState, len(m.tenants))
	for id, t := range m.tenants {
		out[id] = t
	}
	return out
}

func describe(w *watch) Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Subscription{
		TenantID:     w.tag.TenantID,
		NodeID:       w.tag.ConnectionString,
		DataSourceID: w.tag.DataSourceID,
		TagID:        w.tag.ID,
		TaskID:       w.taskID,
		Handle:       w.handle,
		CreatedAt:    w.createdAt,
		LastUpdate:   w.lastUpdate,
		Updates:      w.updates,
	}
}

// Restore recreates watches for every active persisted task of every
// active tenant, skipping nodes already watched and rows with invalid node
// ids. It returns the number of restored watches.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	var tenants []*domain.Tenant
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.RestoreBackoff), uint64(m.cfg.RestoreAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		var err error
		tenants, err = m.store.ListActiveTenants(ctx)
		return err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("listing tenants for subscription restore failed, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		slog.Error("subscription restore failed", "error", err)
		return 0, domain.WrapError(domain.KindSubscription, "restore subscriptions", err)
	}

	total := 0
	for _, tenant := range tenants {
		total += m.restoreTenant(ctx, tenant.ID)
	}
	slog.Info("subscriptions restored", "tenants", len(tenants), "restored", total)
	return total, nil
}

func (m *Manager) restoreTenant(ctx context.Context, tenantID string) int {
	tasks, err := m.store.ListActiveSubscriptionTasks(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list subscription tasks", "tenant_id", tenantID, "error", err)
		return 0
	}

	t := m.tenant(tenantID)
	t.op.Lock()
	defer t.op.Unlock()

	restored := 0
	for _, task := range tasks {
		if task.Tag == nil || !domain.ValidNodeID(task.Tag.ConnectionString) {
			slog.Warn("skipping subscription task with invalid node id",
				"tenant_id", tenantID,
				"task_id", task.ID,
			)
			continue
		}
		t.mu.RLock()
		_, exists := t.watches[task.Tag.ConnectionString]
		t.mu.RUnlock()
		if exists {
			continue
		}
		if _, err := m.watchLocked(ctx, t, task.Tag); err != nil {
			slog.Warn("failed to restore subscription",
				"tenant_id", tenantID,
				"node_id", task.Tag.ConnectionString,
				"error", err,
			)
			continue
		}
		restored++
	}
	return restored
}

// Cleanup tears down every protocol subscription. Remote failures are
// logged; local state is reset regardless. Persisted tasks stay active so
// the next Restore brings them back.
func (m *Manager) Cleanup(ctx context.Context) {
	for tenantID, t := range m.snapshot() {
		t.op.Lock()

		t.mu.RLock()
		subs := make(map[string]datasource.ProtocolSubscription, len(t.subs))
		for id, sub := range t.subs {
			subs[id] = sub.ps
		}
		watches := make([]*watch, 0, len(t.watches))
		for _, w := range t.watches {
			watches = append(watches, w)
		}
		t.mu.RUnlock()

		for _, w := range watches {
			ps, ok := subs[w.tag.DataSourceID]
			if !ok {
				continue
			}
			if err := ps.Unmonitor(ctx, w.currentHandle()); err != nil {
				slog.Warn("failed to remove monitored item during cleanup",
					"tenant_id", tenantID,
					"node_id", w.tag.ConnectionString,
					"error", err,
				)
			}
		}
		for dsID, ps := range subs {
			if err := ps.Cancel(ctx); err != nil {
				slog.Warn("failed to cancel protocol subscription",
					"tenant_id", tenantID,
					"datasource_id", dsID,
					"error", err,
				)
			}
		}

		t.mu.Lock()
		t.subs = make(map[string]*protocolSub)
		t.watches = make(map[string]*watch)
		t.mu.Unlock()
		t.op.Unlock()

		m.metrics.SetSubscriptions(tenantID, 0)
	}
	slog.Info("subscriptions cleaned up")
}

// Close cleans up and stops accepting notifications.
func (m *Manager) Close(ctx context.Context) {
	m.Cleanup(ctx)
	m.cancel()
}

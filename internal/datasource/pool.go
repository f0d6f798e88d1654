package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/fieldgate/internal/connection"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/supervisor"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Store is the datasource lookup the pool needs from the repository.
type Store interface {
	GetDataSource(ctx context.Context, tenantID string, id string) (*domain.DataSource, error)
	GetDataSourceByName(ctx context.Context, tenantID string, name string) (*domain.DataSource, error)
}

// Options configures a Pool.
type Options struct {
	Connection domain.ConnectionConfig

	// Cache is an optional read-through cache of datasource rows.
	Cache domain.Cache

	// Connector overrides protocol construction. Defaults to DefaultConnector.
	Connector Connector

	// Observer receives connection events. May be nil.
	Observer connection.Observer
}

// Pool owns at most one live connection per (tenant, datasource) and lends
// it out through WithConnection. Connections are created on first use.
type Pool struct {
	store     Store
	cache     domain.Cache
	tasks     *supervisor.Supervisor
	policy    connection.Policy
	maxLeases int64
	cacheTTL  time.Duration
	connector Connector
	observer  connection.Observer

	mu      sync.Mutex
	configs map[string]SourceConfig // tenant:reference
	entries map[string]*entry       // tenant:datasource id
	seq     uint64
	closed  bool

	listenersMu sync.Mutex
	listeners   []func(tenantID, dataSourceID string)

	group singleflight.Group
}

type entry struct {
	seq   uint64
	cfg   SourceConfig
	conn  Connection
	sup   *connection.Supervisor
	slots *semaphore.Weighted
}

// Session identifies one protocol session of a pooled datasource. It changes
// when the connection is re-established or the datasource is invalidated;
// server-side state such as subscriptions does not carry over.
type Session struct {
	Entry      uint64
	Generation int64
}

// OnSessionChange registers fn to run after every successful connect of a
// datasource and after it is invalidated. fn runs on its own goroutine and
// compares Lease.Session to tell whether its state is stale.
func (p *Pool) OnSessionChange(fn func(tenantID, dataSourceID string)) {
	p.listenersMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenersMu.Unlock()
}

func (p *Pool) sessionChanged(tenantID, dataSourceID string) {
	p.listenersMu.Lock()
	listeners := append([]func(string, string){}, p.listeners...)
	p.listenersMu.Unlock()
	for _, fn := range listeners {
		go fn(tenantID, dataSourceID)
	}
}

// NewPool creates a pool resolving datasources from store. Health monitors
// run under tasks.
func NewPool(store Store, tasks *supervisor.Supervisor, opts Options) *Pool {
	maxLeases := opts.Connection.MaxLeases
	if maxLeases <= 0 {
		maxLeases = 1
	}
	connector := opts.Connector
	if connector == nil {
		connector = DefaultConnector
	}
	return &Pool{
		store:     store,
		cache:     opts.Cache,
		tasks:     tasks,
		policy:    connection.PolicyFrom(opts.Connection),
		maxLeases: maxLeases,
		cacheTTL:  opts.Connection.ConfigCacheTTL,
		connector: connector,
		observer:  opts.Observer,
		configs:   make(map[string]SourceConfig),
		entries:   make(map[string]*entry),
	}
}

// Config resolves and validates the configuration for ref, which may be a
// datasource id or name. Successful resolutions are kept until invalidated.
func (p *Pool) Config(ctx context.Context, tenantID, ref string) (SourceConfig, error) {
	key := tenantID + ":" + ref

	p.mu.Lock()
	cfg, ok := p.configs[key]
	p.mu.Unlock()
	if ok {
		return cfg, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		ds, err := p.loadDataSource(ctx, tenantID, ref)
		if err != nil {
			return nil, err
		}
		cfg, err := Parse(ds, p.policy)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.configs[key] = cfg
		p.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(SourceConfig), nil
}

func (p *Pool) loadDataSource(ctx context.Context, tenantID, ref string) (*domain.DataSource, error) {
	cacheKey := "datasource:" + ref
	if p.cache != nil {
		if data, err := p.cache.Get(ctx, tenantID, cacheKey); err == nil && data != nil {
			var ds domain.DataSource
			if err := json.Unmarshal(data, &ds); err == nil {
				return &ds, nil
			}
		}
	}

	ds, err := p.store.GetDataSource(ctx, tenantID, ref)
	if errors.Is(err, domain.ErrNotFound) {
		ds, err = p.store.GetDataSourceByName(ctx, tenantID, ref)
	}
	if errors.Is(err, domain.ErrNotFound) || (err == nil && ds == nil) {
		return nil, domain.NewError(domain.KindNotFound, "resolve datasource", "datasource not found").
			With("tenant_id", tenantID).
			With("datasource", ref)
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, "resolve datasource", err).With("datasource", ref)
	}

	if p.cache != nil {
		if data, err := json.Marshal(ds); err == nil {
			if err := p.cache.Set(ctx, tenantID, cacheKey, data, p.cacheTTL); err != nil {
				slog.Debug("failed to cache datasource", "datasource", ref, "error", err)
			}
		}
	}
	return ds, nil
}

func (p *Pool) entryFor(cfg SourceConfig) (*entry, error) {
	key := cfg.Meta().Key()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.NewError(domain.KindConnection, "acquire", "datasource pool is shut down")
	}
	if e, ok := p.entries[key]; ok {
		return e, nil
	}

	conn, err := p.connector(cfg)
	if err != nil {
		return nil, err
	}
	p.seq++
	e := &entry{
		seq:   p.seq,
		cfg:   cfg,
		conn:  conn,
		sup:   connection.New(key, conn, cfg.Policy(), p.tasks, p.observer),
		slots: semaphore.NewWeighted(p.maxLeases),
	}
	meta := cfg.Meta()
	e.sup.OnConnected(func(int64) {
		p.sessionChanged(meta.TenantID, meta.ID)
	})
	p.entries[key] = e
	return e, nil
}

// WithConnection lends the connection for ref to fn. The lease is released
// when fn returns, on every path. The first use connects with retries; once
// the health monitor owns the connection, a down source fails fast.
func (p *Pool) WithConnection(ctx context.Context, tenantID, ref string, fn func(ctx context.Context, lease *Lease) error) error {
	cfg, err := p.Config(ctx, tenantID, ref)
	if err != nil {
		return err
	}
	e, err := p.entryFor(cfg)
	if err != nil {
		return err
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return domain.WrapError(domain.KindConnection, "acquire", err).With("datasource", cfg.Meta().Key())
	}
	defer e.slots.Release(1)

	if err := e.sup.EnsureConnected(ctx); err != nil {
		return err
	}
	return fn(ctx, &Lease{entry: e})
}

// TestConnection reports whether ref is reachable. Failures are reported in
// the result, never as an error.
func (p *Pool) TestConnection(ctx context.Context, tenantID, ref string) domain.ConnectionTestResult {
	err := p.WithConnection(ctx, tenantID, ref, func(ctx context.Context, l *Lease) error {
		if err := l.Probe(ctx); err != nil {
			return err
		}
		if q, ok := l.entry.conn.(Querier); ok {
			if _, err := q.Query(ctx, "SELECT 1"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ConnectionTestResult{Success: false, Message: "Connection failed", Error: err.Error()}
	}
	return domain.ConnectionTestResult{Success: true, Message: "Connection successful"}
}

// ReadNode reads one node. The id is validated before any connection use.
func (p *Pool) ReadNode(ctx context.Context, tenantID, ref, nodeID string) (*domain.DataValue, error) {
	if _, err := domain.ParseNodeID(nodeID); err != nil {
		return nil, err
	}
	var v *domain.DataValue
	err := p.WithConnection(ctx, tenantID, ref, func(ctx context.Context, l *Lease) error {
		var err error
		v, err = l.ReadNode(ctx, nodeID)
		return err
	})
	return v, err
}

// ReadNodes reads many nodes. Malformed ids are reported BAD without I/O;
// the error return is reserved for failures that affect the whole batch.
func (p *Pool) ReadNodes(ctx context.Context, tenantID, ref string, nodeIDs []string) ([]domain.NodeReadResult, error) {
	var results []domain.NodeReadResult
	err := p.WithConnection(ctx, tenantID, ref, func(ctx context.Context, l *Lease) error {
		var err error
		results, err = l.ReadNodes(ctx, nodeIDs)
		return err
	})
	return results, err
}

// WriteNode writes value to one node.
func (p *Pool) WriteNode(ctx context.Context, tenantID, ref, nodeID string, value any) error {
	if _, err := domain.ParseNodeID(nodeID); err != nil {
		return err
	}
	return p.WithConnection(ctx, tenantID, ref, func(ctx context.Context, l *Lease) error {
		return l.WriteNode(ctx, nodeID, value)
	})
}

// Query runs a query against a relational datasource.
func (p *Pool) Query(ctx context.Context, tenantID, ref, query string, args ...any) (*domain.QueryResult, error) {
	var res *domain.QueryResult
	err := p.WithConnection(ctx, tenantID, ref, func(ctx context.Context, l *Lease) error {
		var err error
		res, err = l.Query(ctx, query, args...)
		return err
	})
	return res, err
}

// Invalidate drops the resolved config and cached row for ref and closes
// its connection. The next use re-reads the datasource.
func (p *Pool) Invalidate(ctx context.Context, tenantID, ref string) {
	var drop []*entry

	p.mu.Lock()
	refs := map[string]bool{ref: true}
	for key, cfg := range p.configs {
		meta := cfg.Meta()
		if meta.TenantID != tenantID {
			continue
		}
		if key == tenantID+":"+ref || meta.ID == ref || meta.Name == ref {
			delete(p.configs, key)
			refs[meta.ID] = true
			refs[meta.Name] = true
			if e, ok := p.entries[meta.Key()]; ok {
				drop = append(drop, e)
				delete(p.entries, meta.Key())
			}
		}
	}
	if e, ok := p.entries[tenantID+":"+ref]; ok {
		drop = append(drop, e)
		delete(p.entries, tenantID+":"+ref)
	}
	p.mu.Unlock()

	if p.cache != nil {
		for r := range refs {
			if err := p.cache.Delete(ctx, tenantID, "datasource:"+r); err != nil {
				slog.Debug("failed to evict datasource", "datasource", r, "error", err)
			}
		}
	}
	for _, e := range drop {
		e.sup.Disconnect(ctx)
	}
	for _, e := range drop {
		p.sessionChanged(tenantID, e.cfg.Meta().ID)
	}
	slog.Info("datasource invalidated", "tenant_id", tenantID, "datasource", ref)
}

// ClearCache forgets every resolved config and cached row. Live connections
// are kept; they pick up new settings after Invalidate.
func (p *Pool) ClearCache(ctx context.Context) error {
	p.mu.Lock()
	p.configs = make(map[string]SourceConfig)
	p.mu.Unlock()

	if p.cache != nil {
		return p.cache.Clear(ctx)
	}
	return nil
}

// SourceStatus describes one pooled connection.
type SourceStatus struct {
	TenantID     string            `json:"tenantId"`
	DataSourceID string            `json:"dataSourceId"`
	Name         string            `json:"name"`
	Type         domain.SourceType `json:"type"`
	Connection   connection.Stats  `json:"connection"`
}

// CheckNow runs one health check on the pooled connection for ref, if any.
func (p *Pool) CheckNow(ctx context.Context, tenantID, ref string) {
	cfg, err := p.Config(ctx, tenantID, ref)
	if err != nil {
		return
	}
	p.mu.Lock()
	e, ok := p.entries[cfg.Meta().Key()]
	p.mu.Unlock()
	if ok {
		e.sup.CheckNow(ctx)
	}
}

// Status returns a snapshot of every pooled connection, sorted by key.
func (p *Pool) Status() []SourceStatus {
	p.mu.Lock()
	out := make([]SourceStatus, 0, len(p.entries))
	for _, e := range p.entries {
		meta := e.cfg.Meta()
		out = append(out, SourceStatus{
			TenantID:     meta.TenantID,
			DataSourceID: meta.ID,
			Name:         meta.Name,
			Type:         meta.Type,
			Connection:   e.sup.Stats(),
		})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].DataSourceID < out[j].DataSourceID
	})
	return out
}

// Shutdown disconnects every pooled connection. The pool rejects new leases
// afterwards.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*entry)
	p.configs = make(map[string]SourceConfig)
	p.mu.Unlock()

	for _, e := range entries {
		if err := e.sup.Disconnect(ctx); err != nil {
			slog.Warn("error disconnecting datasource", "datasource", e.sup.Name(), "error", err)
		}
	}
	slog.Info("datasource pool shut down", "connections", len(entries))
}

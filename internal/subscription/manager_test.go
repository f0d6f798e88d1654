package subscription

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/datasource/datasourcetest"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/ingest"
	"github.com/opensource-finance/fieldgate/internal/repository"
	"github.com/opensource-finance/fieldgate/internal/tags"
)

type fixture struct {
	repo *repository.SQLRepository
	conn *datasourcetest.Conn
	pool *datasource.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "fieldgate-subscription-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	for _, tenant := range []string{"plant-a", "plant-b"} {
		if err := repo.SaveTenant(ctx, &domain.Tenant{ID: tenant, Name: tenant, DefaultDataSourceID: "ds-1", IsActive: true}); err != nil {
			t.Fatalf("SaveTenant: %v", err)
		}
		if err := repo.SaveDataSource(ctx, tenant, datasourcetest.Source(tenant, "ds-1", "line1")); err != nil {
			t.Fatalf("SaveDataSource: %v", err)
		}
	}

	conn := datasourcetest.NewConn(map[string]any{
		"ns=3;i=1002":        21.5,
		"ns=3;i=1003":        7,
		"ns=2;s=Line1.Speed": 120.0,
	})
	pool := datasource.NewPool(repo, nil, datasource.Options{Connector: conn.Connector()})
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	return &fixture{repo: repo, conn: conn, pool: pool}
}

func (f *fixture) manager(t *testing.T, store Store, sink domain.EventSink) *Manager {
	t.Helper()
	if store == nil {
		store = f.repo
	}
	m := New(Options{
		Store:    store,
		Sources:  f.pool,
		Resolver: tags.New(f.repo, f.pool),
		Pipeline: ingest.New(f.repo, sink, nil, nil),
		Config:   domain.SubscriptionConfig{PublishInterval: 100 * time.Millisecond, RestoreBackoff: 10 * time.Millisecond},
	})
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func (f *fixture) readings(t *testing.T, tenantID, tagID string) []*domain.Reading {
	t.Helper()
	rs, err := f.repo.ListReadings(context.Background(), tenantID, tagID, time.Time{}, 100)
	if err != nil {
		t.Fatalf("ListReadings: %v", err)
	}
	return rs
}

func TestCreateMultiplexesOneProtocolSubscription(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	a, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1003"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a.Handle == b.Handle {
		t.Error("expected distinct monitored item handles")
	}

	subs := f.conn.Subscriptions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 protocol subscription, got %d", len(subs))
	}
	if got := subs[0].Monitored(); len(got) != 2 {
		t.Errorf("expected 2 monitored items, got %v", got)
	}

	rows, _ := f.repo.ListActiveSubscriptionTasks(ctx, "plant-a")
	if len(rows) != 2 {
		t.Errorf("expected 2 active rows, got %d", len(rows))
	}

	if _, err := m.Create(ctx, Request{TenantID: "plant-b", NodeID: "ns=3;i=1002"}); err != nil {
		t.Fatalf("Create for plant-b failed: %v", err)
	}
	if n := len(f.conn.Subscriptions()); n != 2 {
		t.Errorf("expected a separate protocol subscription for plant-b, got %d", n)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	handles := make([]uint32, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})
			errs[i] = err
			if err == nil {
				handles[i] = s.Handle
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Create %d failed: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Errorf("expected one handle, got %d and %d", handles[0], handles[i])
		}
	}
	subs := f.conn.Subscriptions()
	if len(subs) != 1 || len(subs[0].Monitored()) != 1 {
		t.Fatalf("expected exactly one monitored item")
	}
	rows, _ := f.repo.ListActiveSubscriptionTasks(ctx, "plant-a")
	if len(rows) != 1 {
		t.Errorf("expected 1 persisted row, got %d", len(rows))
	}

	again, _ := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})
	if !again.Existing {
		t.Error("expected the existing subscription to be reported")
	}
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "Line1.Speed"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=9999"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found for an unverified node, got %v", err)
	}

	f.conn.SetMonitorError(errors.New("BadTooManyMonitoredItems"))
	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"}); !errors.Is(err, domain.ErrSubscription) {
		t.Errorf("expected subscription error, got %v", err)
	}
	rows, _ := f.repo.ListActiveSubscriptionTasks(ctx, "plant-a")
	if len(rows) != 0 {
		t.Errorf("failed create must not persist a row, got %d", len(rows))
	}
	if len(m.List("plant-a")) != 0 {
		t.Error("failed create must not keep a handle")
	}
}

func TestNotificationsAreStored(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	s, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	src := time.Now().UTC().Add(-time.Second)
	if n := f.conn.Push("ns=3;i=1002", &domain.DataValue{Value: 22.0, SourceTimestamp: src, Quality: domain.QualityGood}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	// No source timestamp: the gateway time is used.
	f.conn.Push("ns=3;i=1002", &domain.DataValue{Value: 23.0})

	rs := f.readings(t, "plant-a", s.TagID)
	if len(rs) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(rs))
	}
	for _, r := range rs {
		if r.Frequency != domain.FrequencySubscription {
			t.Errorf("expected frequency sub, got %s", r.Frequency)
		}
	}

	list := m.List("plant-a")
	if len(list) != 1 || list[0].Updates != 2 || list[0].LastUpdate.IsZero() {
		t.Errorf("expected update bookkeeping, got %+v", list)
	}
}

type panicSink struct{}

func (panicSink) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	panic("sink exploded")
}
func (panicSink) Ping(ctx context.Context) error { return nil }
func (panicSink) Close() error                   { return nil }

func TestCallbackFailuresAreContained(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, panicSink{})
	ctx := context.Background()

	s, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1003"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Must not panic into the caller, which stands in for the protocol dispatch loop.
	f.conn.Push("ns=3;i=1002", &domain.DataValue{Value: 1.0, SourceTimestamp: time.Now()})
	f.conn.Push("ns=3;i=1003", &domain.DataValue{Value: 2.0, SourceTimestamp: time.Now()})

	if len(f.readings(t, "plant-a", s.TagID)) != 1 {
		t.Error("reading should be stored before the sink failed")
	}
	if len(m.List("plant-a")) != 2 {
		t.Error("subscriptions must survive a failing callback")
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	s, _ := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})

	if err := m.Remove(ctx, "plant-a", "ns=3;i=1003"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found for an unknown node, got %v", err)
	}

	if err := m.Remove(ctx, "plant-a", "ns=3;i=1002"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := f.conn.Subscriptions()[0].Monitored(); len(got) != 0 {
		t.Errorf("expected monitored item to be removed, got %v", got)
	}
	rows, _ := f.repo.ListActiveSubscriptionTasks(ctx, "plant-a")
	if len(rows) != 0 {
		t.Errorf("expected the row to be deactivated, got %d", len(rows))
	}
	if n := f.conn.Push("ns=3;i=1002", &domain.DataValue{Value: 1.0}); n != 0 {
		t.Errorf("expected no deliveries after remove, got %d", n)
	}
	if len(f.readings(t, "plant-a", s.TagID)) != 0 {
		t.Error("no readings expected")
	}
}

// flakyStore fails tenant enumeration a few times and can inject rows
// whose node ids no longer parse.
type flakyStore struct {
	*repository.SQLRepository
	mu       sync.Mutex
	failures int
	invalid  bool
}

func (s *flakyStore) ListActiveSubscriptionTasks(ctx context.Context, tenantID string) ([]*domain.SubscriptionTask, error) {
	tasks, err := s.SQLRepository.ListActiveSubscriptionTasks(ctx, tenantID)
	if err != nil || !s.invalid || tenantID != "plant-a" {
		return tasks, err
	}
	return append(tasks,
		&domain.SubscriptionTask{
			ID:       "legacy",
			TenantID: tenantID,
			TagID:    "legacy-tag",
			IsActive: true,
			Tag:      &domain.Tag{ID: "legacy-tag", TenantID: tenantID, DataSourceID: "ds-1", ConnectionString: "Line1.Legacy"},
		},
		&domain.SubscriptionTask{ID: "orphan", TenantID: tenantID, TagID: "gone", IsActive: true},
	), nil
}

func (s *flakyStore) ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("registry unavailable")
	}
	return s.SQLRepository.ListActiveTenants(ctx)
}

func TestRestoreAfterCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.manager(t, nil, nil)
	for _, req := range []Request{
		{TenantID: "plant-a", NodeID: "ns=3;i=1002"},
		{TenantID: "plant-a", NodeID: "ns=2;s=Line1.Speed"},
		{TenantID: "plant-b", NodeID: "ns=3;i=1003"},
	} {
		if _, err := before.Create(ctx, req); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	before.Cleanup(ctx)
	if before.Count() != 0 {
		t.Fatalf("cleanup must reset local state, %d left", before.Count())
	}
	for _, s := range f.conn.Subscriptions() {
		if !s.Cancelled() {
			t.Error("expected protocol subscriptions to be cancelled")
		}
	}

	store := &flakyStore{SQLRepository: f.repo, failures: 2}
	after := f.manager(t, store, nil)
	restored, err := after.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored != 3 || after.Count() != 3 {
		t.Errorf("expected 3 restored subscriptions, got %d (count %d)", restored, after.Count())
	}

	if again, _ := after.Restore(ctx); again != 0 {
		t.Errorf("second restore should skip present handles, got %d", again)
	}
}

func TestRestoreSkipsInvalidRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.manager(t, nil, nil)
	if _, err := before.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before.Cleanup(ctx)

	after := f.manager(t, &flakyStore{SQLRepository: f.repo, invalid: true}, nil)
	restored, err := after.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored != 1 {
		t.Errorf("expected only the valid row to be restored, got %d", restored)
	}
	list := after.List("plant-a")
	if len(list) != 1 || list[0].NodeID != "ns=3;i=1002" {
		t.Errorf("expected a single watch on ns=3;i=1002, got %+v", list)
	}
	for _, sub := range f.conn.Subscriptions() {
		for _, id := range sub.Monitored() {
			if id == "Line1.Legacy" {
				t.Error("an invalid node id must never reach the datasource")
			}
		}
	}
}

func TestCleanupResetsStateWhenRemoteFails(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	for _, req := range []Request{
		{TenantID: "plant-a", NodeID: "ns=3;i=1002"},
		{TenantID: "plant-b", NodeID: "ns=3;i=1003"},
	} {
		if _, err := m.Create(ctx, req); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	f.conn.SetUnmonitorError(errors.New("BadSessionIdInvalid"))
	f.conn.SetCancelError(errors.New("BadSessionIdInvalid"))
	m.Cleanup(ctx)

	if m.Count() != 0 {
		t.Errorf("expected no watches after cleanup, got %d", m.Count())
	}
	if len(m.List("plant-a")) != 0 || len(m.List("plant-b")) != 0 {
		t.Error("expected empty lists after cleanup")
	}
	rows, _ := f.repo.ListActiveSubscriptionTasks(ctx, "plant-a")
	if len(rows) != 1 {
		t.Errorf("persisted rows must stay active for restore, got %d", len(rows))
	}

	f.conn.SetUnmonitorError(nil)
	f.conn.SetCancelError(nil)
	restored, err := m.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored != 2 {
		t.Errorf("expected both watches back, got %d", restored)
	}
}

// waitForDelivery pushes value until a live subscription takes it.
func waitForDelivery(t *testing.T, conn *datasourcetest.Conn, nodeID string, value float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for conn.Push(nodeID, &domain.DataValue{Value: value, SourceTimestamp: time.Now()}) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no live subscription delivered %s", nodeID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResubscribeAfterReconnect(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	s, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The health check finds a dead session, closes it and reconnects.
	f.conn.SetReadError(errors.New("BadSessionClosed"))
	f.pool.CheckNow(ctx, "plant-a", "ds-1")
	f.conn.SetReadError(nil)

	waitForDelivery(t, f.conn, "ns=3;i=1002", 30.0)
	if len(f.readings(t, "plant-a", s.TagID)) == 0 {
		t.Error("expected the existing watch to store readings after reconnect")
	}

	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1003"}); err != nil {
		t.Fatalf("Create after reconnect failed: %v", err)
	}
	if n := f.conn.Push("ns=3;i=1003", &domain.DataValue{Value: 8.0, SourceTimestamp: time.Now()}); n != 1 {
		t.Errorf("expected a new watch to deliver on the new session, got %d", n)
	}
	if n := len(f.conn.Subscriptions()); n != 1 {
		t.Errorf("expected one protocol subscription on the new session, got %d", n)
	}
	if n := len(m.List("plant-a")); n != 2 {
		t.Errorf("expected 2 watches, got %d", n)
	}
}

func TestResubscribeAfterInvalidate(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, nil, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=3;i=1002"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f.pool.Invalidate(ctx, "plant-a", "ds-1")
	waitForDelivery(t, f.conn, "ns=3;i=1002", 31.0)

	if _, err := m.Create(ctx, Request{TenantID: "plant-a", NodeID: "ns=2;s=Line1.Speed"}); err != nil {
		t.Fatalf("Create after invalidate failed: %v", err)
	}
	if n := f.conn.Push("ns=2;s=Line1.Speed", &domain.DataValue{Value: 121.0, SourceTimestamp: time.Now()}); n != 1 {
		t.Errorf("expected a new watch to deliver after invalidate, got %d", n)
	}
}

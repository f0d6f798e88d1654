package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/fieldgate/internal/alerting"
	"github.com/opensource-finance/fieldgate/internal/bus"
	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/datasource/datasourcetest"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/ingest"
	"github.com/opensource-finance/fieldgate/internal/metrics"
	"github.com/opensource-finance/fieldgate/internal/polling"
	"github.com/opensource-finance/fieldgate/internal/repository"
	"github.com/opensource-finance/fieldgate/internal/scheduler"
	"github.com/opensource-finance/fieldgate/internal/subscription"
	"github.com/opensource-finance/fieldgate/internal/supervisor"
	"github.com/opensource-finance/fieldgate/internal/tags"
)

const tenant = "plant-a"

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	conn   *datasourcetest.Conn
}

// createTestServer wires real services over a temp SQLite file and a fake
// OPC-UA connection.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "fieldgate-api-*.db")
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
	if err := repo.SaveTenant(ctx, &domain.Tenant{ID: tenant, Name: tenant, DefaultDataSourceID: "ds-1", IsActive: true}); err != nil {
		t.Fatalf("SaveTenant: %v", err)
	}
	if err := repo.SaveDataSource(ctx, tenant, datasourcetest.Source(tenant, "ds-1", "line1")); err != nil {
		t.Fatalf("SaveDataSource: %v", err)
	}

	conn := datasourcetest.NewConn(map[string]any{
		"ns=3;i=1002": 21.5,
		"ns=3;i=1003": 7,
	})
	tasks := supervisor.New(domain.SupervisorConfig{MaxRestarts: 3, RestartDelay: 10 * time.Millisecond})
	t.Cleanup(func() { tasks.Close(context.Background()) })

	pool := datasource.NewPool(repo, tasks, datasource.Options{Connector: conn.Connector()})
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	sink := bus.NewChannelBus(100)
	t.Cleanup(func() { sink.Close() })

	rules, err := alerting.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	m := metrics.New()
	pipeline := ingest.New(repo, sink, rules, m)
	resolver := tags.New(repo, pool)

	poller := polling.New(polling.Options{
		Store:     repo,
		Reader:    pool,
		Resolver:  resolver,
		Scheduler: scheduler.New(tasks),
		Pipeline:  pipeline,
		Metrics:   m,
	})
	t.Cleanup(func() { poller.Close(context.Background()) })

	subs := subscription.New(subscription.Options{
		Store:    repo,
		Sources:  pool,
		Resolver: resolver,
		Pipeline: pipeline,
		Metrics:  m,
	})
	t.Cleanup(func() { subs.Close(context.Background()) })

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Services{
		Repo:          repo,
		Sink:          sink,
		Pool:          pool,
		Polling:       poller,
		Subscriptions: subs,
		Tasks:         tasks,
		Rules:         rules,
		Metrics:       m,
		Version:       "test-v1",
	})
	return &testEnv{server: server, repo: repo, conn: conn}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, tenant)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)

	var resp response
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode %s %s response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr.Code, resp
}

func decodeData[T any](t *testing.T, resp response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		t.Fatalf("failed to decode data %s: %v", resp.Data, err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	env := createTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d: %s", path, rr.Code, rr.Body.String())
		}
	}

	_, resp := env.do(t, http.MethodGet, "/health", nil)
	health := decodeData[map[string]any](t, resp)
	if health["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", health["status"])
	}
	if health["version"] != "test-v1" {
		t.Errorf("unexpected version %v", health["version"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := createTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	env := createTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/polling", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Kind != domain.KindValidation {
		t.Errorf("unexpected error payload %s", rr.Body.String())
	}
}

func TestDataSourceOperations(t *testing.T) {
	env := createTestServer(t)

	t.Run("Test", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/datasources/ds-1/test", nil)
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if res := decodeData[domain.ConnectionTestResult](t, resp); !res.Success {
			t.Errorf("expected successful test, got %+v", res)
		}
	})

	t.Run("ReadOne", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/datasources/line1/read", ReadRequest{NodeID: "ns=3;i=1002"})
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %+v", code, resp.Error)
		}
		if v := decodeData[domain.DataValue](t, resp); v.Value != 21.5 {
			t.Errorf("expected 21.5, got %v", v.Value)
		}
	})

	t.Run("ReadMany", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/datasources/ds-1/read", ReadRequest{NodeIDs: []string{"ns=3;i=1002", "ns=3;i=9999"}})
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		results := decodeData[[]domain.NodeReadResult](t, resp)
		if len(results) != 2 || !results[0].Success || results[1].Success {
			t.Fatalf("unexpected results %+v", results)
		}
		if results[1].Quality != domain.QualityBad {
			t.Errorf("expected BAD quality, got %s", results[1].Quality)
		}
	})

	t.Run("InvalidNodeID", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/datasources/ds-1/read", ReadRequest{NodeID: "not-a-node"})
		if code != http.StatusBadRequest || resp.Error.Kind != domain.KindValidation {
			t.Errorf("expected validation error, got %d %+v", code, resp.Error)
		}
	})

	t.Run("UnknownDataSource", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/datasources/ds-404/read", ReadRequest{NodeID: "ns=3;i=1002"})
		if code != http.StatusNotFound || resp.Error.Kind != domain.KindNotFound {
			t.Errorf("expected not found, got %d %+v", code, resp.Error)
		}
	})

	t.Run("Write", func(t *testing.T) {
		code, _ := env.do(t, http.MethodPost, "/datasources/ds-1/write", WriteRequest{NodeID: "ns=3;i=1003", Value: 42})
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		_, resp := env.do(t, http.MethodPost, "/datasources/ds-1/read", ReadRequest{NodeID: "ns=3;i=1003"})
		if v := decodeData[domain.DataValue](t, resp); v.Value != float64(42) {
			t.Errorf("expected written value 42, got %v", v.Value)
		}
	})

	t.Run("QueryUnsupported", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/datasources/ds-1/query", QueryRequest{Query: "SELECT 1"})
		if code != http.StatusNotImplemented || resp.Error.Kind != domain.KindUnsupported {
			t.Errorf("expected unsupported, got %d %+v", code, resp.Error)
		}
	})

	t.Run("StatusAndInvalidate", func(t *testing.T) {
		_, resp := env.do(t, http.MethodGet, "/datasources/status", nil)
		if st := decodeData[[]datasource.SourceStatus](t, resp); len(st) != 1 {
			t.Fatalf("expected one pooled source, got %d", len(st))
		}
		if code, _ := env.do(t, http.MethodDelete, "/datasources/ds-1/cache", nil); code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		_, resp = env.do(t, http.MethodGet, "/datasources/status", nil)
		if st := decodeData[[]datasource.SourceStatus](t, resp); len(st) != 0 {
			t.Errorf("expected invalidated source to leave the pool, got %d", len(st))
		}
		if code, _ := env.do(t, http.MethodDelete, "/datasources/cache", nil); code != http.StatusOK {
			t.Errorf("expected 200 clearing cache, got %d", code)
		}
	})
}

func TestPollingLifecycle(t *testing.T) {
	env := createTestServer(t)

	code, resp := env.do(t, http.MethodPost, "/polling", polling.Request{NodeID: "ns=3;i=1002", IntervalSeconds: 60})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, resp.Error)
	}
	node := decodeData[polling.Node](t, resp)
	if node.FirstRun == nil || !node.FirstRun.Success {
		t.Fatalf("expected successful first run, got %+v", node.FirstRun)
	}

	_, resp = env.do(t, http.MethodGet, "/polling", nil)
	if nodes := decodeData[[]polling.Node](t, resp); len(nodes) != 1 || nodes[0].NodeID != "ns=3;i=1002" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	_, resp = env.do(t, http.MethodGet, "/tags/"+node.TagID+"/readings", nil)
	if rs := decodeData[[]domain.Reading](t, resp); len(rs) != 1 || rs[0].Frequency != "60s" {
		t.Fatalf("unexpected readings %+v", rs)
	}

	if code, resp := env.do(t, http.MethodPost, "/polling/pause", NodeRequest{NodeID: "ns=3;i=1002"}); code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %+v", code, resp.Error)
	}
	_, resp = env.do(t, http.MethodGet, "/polling", nil)
	if nodes := decodeData[[]polling.Node](t, resp); !nodes[0].Job.Paused {
		t.Error("expected paused job")
	}
	if code, _ := env.do(t, http.MethodPost, "/polling/resume", NodeRequest{NodeID: "ns=3;i=1002"}); code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", code)
	}

	if code, _ := env.do(t, http.MethodDelete, "/polling", NodeRequest{NodeID: "ns=3;i=1002"}); code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", code)
	}
	if code, resp := env.do(t, http.MethodDelete, "/polling", NodeRequest{NodeID: "ns=3;i=1002"}); code != http.StatusNotFound {
		t.Errorf("second remove: expected 404, got %d: %+v", code, resp.Error)
	}

	t.Run("Validation", func(t *testing.T) {
		code, resp := env.do(t, http.MethodPost, "/polling", polling.Request{NodeID: "ns=3;i=1002", IntervalSeconds: 0})
		if code != http.StatusBadRequest || resp.Error.Kind != domain.KindValidation {
			t.Errorf("expected validation error, got %d %+v", code, resp.Error)
		}
		code, _ = env.do(t, http.MethodPost, "/polling/pause", NodeRequest{})
		if code != http.StatusBadRequest {
			t.Errorf("expected 400 without node_id, got %d", code)
		}
	})

	t.Run("Tasks", func(t *testing.T) {
		code, resp := env.do(t, http.MethodGet, "/tasks", nil)
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
		if ts := decodeData[[]supervisor.TaskStatus](t, resp); len(ts) == 0 {
			t.Error("expected the connection monitor task")
		}
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := createTestServer(t)
	req := subscription.Request{NodeID: "ns=3;i=1002", DataSource: "ds-1"}

	code, resp := env.do(t, http.MethodPost, "/subscriptions", req)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, resp.Error)
	}
	sub := decodeData[subscription.Subscription](t, resp)

	code, resp = env.do(t, http.MethodPost, "/subscriptions", req)
	if code != http.StatusOK {
		t.Fatalf("expected 200 for an existing subscription, got %d", code)
	}
	if again := decodeData[subscription.Subscription](t, resp); !again.Existing || again.Handle != sub.Handle {
		t.Errorf("expected the existing subscription, got %+v", again)
	}

	if n := env.conn.Push("ns=3;i=1002", &domain.DataValue{Value: 22.0, SourceTimestamp: time.Now()}); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, resp = env.do(t, http.MethodGet, "/tags/"+sub.TagID+"/readings", nil)
		rs := decodeData[[]domain.Reading](t, resp)
		if len(rs) == 1 && rs[0].Frequency == domain.FrequencySubscription {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscription reading not stored: %+v", rs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, resp = env.do(t, http.MethodGet, "/subscriptions", nil)
	if subs := decodeData[[]subscription.Subscription](t, resp); len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(subs))
	}
	if code, _ := env.do(t, http.MethodDelete, "/subscriptions", NodeRequest{NodeID: "ns=3;i=1002"}); code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", code)
	}
	if code, _ := env.do(t, http.MethodDelete, "/subscriptions", NodeRequest{NodeID: "ns=3;i=1002"}); code != http.StatusNotFound {
		t.Errorf("second remove: expected 404, got %d", code)
	}
}

func TestAlertRules(t *testing.T) {
	env := createTestServer(t)

	code, resp := env.do(t, http.MethodPost, "/alert-rules", AlertRuleRequest{Name: "broken", Expression: "value >"})
	if code != http.StatusBadRequest || resp.Error.Kind != domain.KindValidation {
		t.Fatalf("expected validation error, got %d %+v", code, resp.Error)
	}

	code, resp = env.do(t, http.MethodPost, "/alert-rules", AlertRuleRequest{
		Name:       "too-hot",
		Expression: "value > 20.0",
		Message:    "{tag} at {value}",
	})
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, resp.Error)
	}

	_, resp = env.do(t, http.MethodGet, "/alert-rules", nil)
	if rules := decodeData[[]domain.AlertRule](t, resp); len(rules) != 1 || !rules[0].Enabled {
		t.Fatalf("unexpected rules %+v", rules)
	}

	if code, resp := env.do(t, http.MethodPost, "/polling", polling.Request{NodeID: "ns=3;i=1002", IntervalSeconds: 60}); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, resp.Error)
	}

	_, resp = env.do(t, http.MethodGet, "/alerts", nil)
	alerts := decodeData[[]domain.Alert](t, resp)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].Message != "ns=3;i=1002 at 21.5" {
		t.Errorf("unexpected alert message %q", alerts[0].Message)
	}

	if code, _ := env.do(t, http.MethodGet, "/alerts?since=yesterday", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad since, got %d", code)
	}
}

func TestReadingStream(t *testing.T) {
	env := createTestServer(t)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/readings/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(TenantIDHeader, tenant)
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if code, resp := env.do(t, http.MethodPost, "/polling", polling.Request{NodeID: "ns=3;i=1003", IntervalSeconds: 60}); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %+v", code, resp.Error)
	}

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev domain.ReadingEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		if ev.TagName != "ns=3;i=1003" || ev.Value != "7" {
			t.Errorf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", scanner.Err())
}

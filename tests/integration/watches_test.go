//go:build integration
// +build integration

// Package integration runs end-to-end checks against a live fieldgate
// process connected to a real OPC-UA server.
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The target tenant must exist and have an active OPC-UA datasource that
// exposes the configured node. Environment:
//
//	FIELDGATE_TEST_URL         gateway base URL (default http://localhost:8080)
//	FIELDGATE_TEST_TENANT      tenant id (default plant-a)
//	FIELDGATE_TEST_DATASOURCE  datasource id or name (default: tenant default)
//	FIELDGATE_TEST_NODE        readable node (default ns=3;i=1002)
//	FIELDGATE_TEST_OFFLINE_DS  optional datasource that points at an unreachable server
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"
)

type TestConfig struct {
	BaseURL    string
	TenantID   string
	DataSource string
	NodeID     string
	OfflineDS  string
}

func getTestConfig() TestConfig {
	env := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	return TestConfig{
		BaseURL:    env("FIELDGATE_TEST_URL", "http://localhost:8080"),
		TenantID:   env("FIELDGATE_TEST_TENANT", "plant-a"),
		DataSource: os.Getenv("FIELDGATE_TEST_DATASOURCE"),
		NodeID:     env("FIELDGATE_TEST_NODE", "ns=3;i=1002"),
		OfflineDS:  os.Getenv("FIELDGATE_TEST_OFFLINE_DS"),
	}
}

// envelope mirrors the gateway's response payload.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

type pollingNode struct {
	NodeID          string `json:"node_id"`
	TagID           string `json:"tag_id"`
	IntervalSeconds int    `json:"interval_seconds"`
	FirstRun        *struct {
		Success bool   `json:"success"`
		Value   string `json:"value"`
		Error   string `json:"error"`
	} `json:"first_run"`
}

type subscription struct {
	NodeID   string `json:"node_id"`
	TagID    string `json:"tag_id"`
	Handle   uint32 `json:"handle"`
	Existing bool   `json:"existing"`
}

type reading struct {
	TagID     string    `json:"tagId"`
	Timestamp time.Time `json:"timestamp"`
	Value     string    `json:"value"`
	Frequency string    `json:"frequency"`
}

func call(t *testing.T, config TestConfig, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(raw))
	}
	return resp.StatusCode, env
}

func decodeData(t *testing.T, env envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("Failed to decode data: %v (data: %s)", err, string(env.Data))
	}
}

func readings(t *testing.T, config TestConfig, tagID string, since time.Time) []reading {
	t.Helper()
	path := fmt.Sprintf("/tags/%s/readings?since=%s", url.PathEscape(tagID), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	status, env := call(t, config, http.MethodGet, path, nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200 listing readings, got %d", status)
	}
	var out []reading
	decodeData(t, env, &out)
	return out
}

// Adding a 5s poll produces one immediate reading; removing it stops
// further readings and keeps the history.
func TestPollingAddRemove(t *testing.T) {
	config := getTestConfig()
	start := time.Now().Add(-time.Second)

	status, env := call(t, config, http.MethodPost, "/polling", map[string]any{
		"node_id":          config.NodeID,
		"interval_seconds": 5,
		"datasource":       config.DataSource,
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %+v", status, env.Error)
	}
	var node pollingNode
	decodeData(t, env, &node)
	if node.FirstRun == nil || !node.FirstRun.Success {
		t.Fatalf("Expected a successful first poll, got %+v", node.FirstRun)
	}

	got := readings(t, config, node.TagID, start)
	if len(got) == 0 {
		t.Fatal("Expected the immediate reading to be persisted")
	}
	if got[0].Frequency != "5s" {
		t.Errorf("Expected frequency 5s, got %q", got[0].Frequency)
	}

	// Adding the same node again replaces the job rather than duplicating it.
	if status, _ := call(t, config, http.MethodPost, "/polling", map[string]any{
		"node_id": config.NodeID, "interval_seconds": 5, "datasource": config.DataSource,
	}); status != http.StatusCreated {
		t.Fatalf("Expected re-add to succeed, got %d", status)
	}
	_, env = call(t, config, http.MethodGet, "/polling", nil)
	var nodes []pollingNode
	decodeData(t, env, &nodes)
	matches := 0
	for _, n := range nodes {
		if n.NodeID == config.NodeID {
			matches++
		}
	}
	if matches != 1 {
		t.Errorf("Expected exactly one job for %s, got %d", config.NodeID, matches)
	}

	if status, env := call(t, config, http.MethodDelete, "/polling", map[string]string{"node_id": config.NodeID}); status != http.StatusOK {
		t.Fatalf("Expected remove to succeed, got %d: %+v", status, env.Error)
	}
	removedAt := time.Now()

	time.Sleep(7 * time.Second)
	if after := readings(t, config, node.TagID, removedAt.Add(time.Second)); len(after) != 0 {
		t.Errorf("Expected no readings after removal, got %d", len(after))
	}
	if history := readings(t, config, node.TagID, start); len(history) == 0 {
		t.Error("Expected history to survive removal")
	}

	t.Logf("✓ polling %s produced %d reading(s) before removal", config.NodeID, len(got))
}

// Subscribing twice to the same node yields one handle.
func TestSubscriptionIdempotent(t *testing.T) {
	config := getTestConfig()
	body := map[string]string{"node_id": config.NodeID, "datasource": config.DataSource}

	status, env := call(t, config, http.MethodPost, "/subscriptions", body)
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("Expected subscription to succeed, got %d: %+v", status, env.Error)
	}
	var first subscription
	decodeData(t, env, &first)
	defer call(t, config, http.MethodDelete, "/subscriptions", map[string]string{"node_id": config.NodeID})

	status, env = call(t, config, http.MethodPost, "/subscriptions", body)
	if status != http.StatusOK {
		t.Fatalf("Expected 200 for an existing subscription, got %d", status)
	}
	var second subscription
	decodeData(t, env, &second)
	if !second.Existing || second.Handle != first.Handle {
		t.Errorf("Expected the existing handle %d, got %+v", first.Handle, second)
	}
}

func TestUnknownNodeIsNotFound(t *testing.T) {
	config := getTestConfig()

	status, env := call(t, config, http.MethodPost, "/polling", map[string]any{
		"node_id": "ns=3;s=does.not.exist", "interval_seconds": 5, "datasource": config.DataSource,
	})
	if status != http.StatusNotFound || env.Error == nil || env.Error.Kind != "not_found" {
		t.Errorf("Expected not_found, got %d %+v", status, env.Error)
	}

	status, env = call(t, config, http.MethodPost, "/polling", map[string]any{
		"node_id": "ns=3;i=1002;extra", "interval_seconds": 5,
	})
	if status != http.StatusBadRequest || env.Error == nil || env.Error.Kind != "validation" {
		t.Errorf("Expected validation error, got %d %+v", status, env.Error)
	}
}

// An unreachable datasource reports failure in the payload, not as an error.
func TestConnectionTestUnreachable(t *testing.T) {
	config := getTestConfig()
	if config.OfflineDS == "" {
		t.Skip("FIELDGATE_TEST_OFFLINE_DS not set")
	}

	status, env := call(t, config, http.MethodPost, "/datasources/"+url.PathEscape(config.OfflineDS)+"/test", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %+v", status, env.Error)
	}
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeData(t, env, &result)
	if result.Success {
		t.Error("Expected success=false for an unreachable server")
	}
	t.Logf("✓ unreachable datasource reported: %s", result.Error)
}

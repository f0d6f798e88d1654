package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/fieldgate/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestThrottle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	th := NewThrottle(time.Minute, logger)
	th.now = clock.Now

	t.Run("FirstLineEmitted", func(t *testing.T) {
		if !th.Error("poll:t1:ns=1;i=1", "poll failed", "attempt", 1) {
			t.Error("expected first line to be emitted")
		}
	})

	t.Run("SuppressedInsideWindow", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			clock.Advance(5 * time.Second)
			if th.Error("poll:t1:ns=1;i=1", "poll failed") {
				t.Errorf("expected line %d to be suppressed", i)
			}
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		if !th.Error("poll:t1:ns=1;i=2", "poll failed") {
			t.Error("expected a different key to log immediately")
		}
	})

	t.Run("EmittedAfterWindowWithSuppressedCount", func(t *testing.T) {
		buf.Reset()
		clock.Advance(time.Minute)
		if !th.Error("poll:t1:ns=1;i=1", "poll failed") {
			t.Fatal("expected line after window to be emitted")
		}
		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("failed to parse log line: %v", err)
		}
		if entry["suppressed"] != float64(5) {
			t.Errorf("expected suppressed=5, got %v", entry["suppressed"])
		}
	})

	t.Run("Forget", func(t *testing.T) {
		th.Forget("poll:t1:ns=1;i=1")
		if !th.Warn("poll:t1:ns=1;i=1", "poll recovered") {
			t.Error("expected forgotten key to log immediately")
		}
	})
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(domain.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "tenant_id", "t1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("expected info line to be filtered at warn level")
	}
	if !strings.Contains(out, "tenant_id=t1") {
		t.Errorf("expected text handler output, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// Package logging configures the process logger and provides a rate-limited
// logger for failure paths that can repeat on every tick.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/fieldgate/internal/domain"
)

// Setup builds the slog logger described by cfg and installs it as default.
func Setup(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	level := ParseLevel(cfg.Level)
	if os.Getenv("FIELDGATE_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config level name onto a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Throttle emits at most one log line per key within a rolling window.
// Suppressed lines are counted and reported on the next emitted line.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
	state  map[string]*throttleState
}

type throttleState struct {
	last       time.Time
	suppressed int
}

// NewThrottle creates a throttle. A nil logger uses slog.Default at call time.
func NewThrottle(window time.Duration, logger *slog.Logger) *Throttle {
	if window <= 0 {
		window = time.Minute
	}
	return &Throttle{
		window: window,
		logger: logger,
		now:    time.Now,
		state:  make(map[string]*throttleState),
	}
}

// Error logs at error level unless key already logged inside the window.
// It reports whether the line was emitted.
func (t *Throttle) Error(key, msg string, args ...any) bool {
	return t.log(slog.LevelError, key, msg, args...)
}

// Warn logs at warn level unless key already logged inside the window.
func (t *Throttle) Warn(key, msg string, args ...any) bool {
	return t.log(slog.LevelWarn, key, msg, args...)
}

// Forget drops the state for key, so the next failure logs immediately.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	delete(t.state, key)
	t.mu.Unlock()
}

func (t *Throttle) log(level slog.Level, key, msg string, args ...any) bool {
	t.mu.Lock()
	now := t.now()
	st, ok := t.state[key]
	if !ok {
		st = &throttleState{}
		t.state[key] = st
	}
	if !st.last.IsZero() && now.Sub(st.last) < t.window {
		st.suppressed++
		t.mu.Unlock()
		return false
	}
	suppressed := st.suppressed
	st.last = now
	st.suppressed = 0
	t.mu.Unlock()

	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}

	logger := t.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), level, msg, args...)
	return true
}

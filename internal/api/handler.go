package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/fieldgate/internal/connection"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	svc Services
}

// NewHandler creates a handler over svc.
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// envelope is the body of every JSON response.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data}); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	if kind == domain.KindInternal {
		slog.Error("request failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(envelope{Error: &errorBody{
		Kind:    kind,
		Message: msg,
		Details: domain.DetailsOf(err),
	}})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConnection:
		return http.StatusServiceUnavailable
	case domain.KindSubscription:
		return http.StatusBadGateway
	case domain.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.NewError(domain.KindValidation, "decode", "invalid JSON request body").
			With("error", err.Error())
	}
	return nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, domain.NewError(domain.KindValidation, "query", "expected an RFC3339 timestamp").
			With("parameter", key)
	}
	return t, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, domain.NewError(domain.KindValidation, "query", "expected a positive integer").
			With("parameter", key)
	}
	return n, nil
}

// Health reports component health. It always answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	if h.svc.Repo != nil {
		checks["repository"] = "ok"
		if err := h.svc.Repo.Ping(ctx); err != nil {
			checks["repository"] = err.Error()
			status = "degraded"
		}
	}
	if h.svc.Sink != nil {
		checks["event_sink"] = "ok"
		if err := h.svc.Sink.Ping(ctx); err != nil {
			checks["event_sink"] = err.Error()
			status = "degraded"
		}
	}

	body := map[string]any{
		"status":  status,
		"version": h.svc.Version,
		"checks":  checks,
	}
	if h.svc.Pool != nil {
		connected := 0
		sources := h.svc.Pool.Status()
		for _, s := range sources {
			if s.Connection.State == connection.StateConnected {
				connected++
			}
		}
		body["datasources"] = map[string]int{"pooled": len(sources), "connected": connected}
	}
	if h.svc.Polling != nil {
		body["polling_jobs"] = h.svc.Polling.Count()
	}
	if h.svc.Subscriptions != nil {
		body["subscriptions"] = h.svc.Subscriptions.Count()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready answers 503 until storage is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.svc.Repo != nil {
		if err := h.svc.Repo.Ping(r.Context()); err != nil {
			writeError(w, domain.WrapError(domain.KindConnection, "ready", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// Tasks lists supervised background tasks.
func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	if h.svc.Tasks == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Tasks.StatusAll())
}

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

const (
	streamBuffer    = 64
	streamKeepAlive = 15 * time.Second
)

// AlertRuleRequest is the body of POST /alert-rules. Enabled defaults to
// true; an existing ID replaces that rule.
type AlertRuleRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Message    string `json:"message"`
	Enabled    *bool  `json:"enabled"`
}

// ListReadings returns a tag's readings, newest first.
// Query: since (RFC3339), limit (default 100).
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	readings, err := h.svc.Repo.ListReadings(ctx, TenantID(ctx), chi.URLParam(r, "id"), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// StreamReadings relays the tenant's reading events as server-sent events.
// Only sinks that deliver in-process subscriptions can stream. Optional
// query tag_id filters on one tag.
func (h *Handler) StreamReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bus, ok := h.svc.Sink.(domain.EventBus)
	if !ok {
		writeError(w, domain.NewError(domain.KindUnsupported, "stream", "event sink does not support subscriptions"))
		return
	}

	events := make(chan []byte, streamBuffer)
	tagFilter := r.URL.Query().Get("tag_id")
	sub, err := bus.Subscribe(ctx, TenantID(ctx), domain.TopicReadings, func(_ context.Context, msg *domain.Message) error {
		if tagFilter != "" && !strings.Contains(string(msg.Payload), `"tag_id":"`+tagFilter+`"`) {
			return nil
		}
		select {
		case events <- msg.Payload:
		default:
			// slow client, drop
		}
		return nil
	})
	if err != nil {
		writeError(w, domain.WrapError(domain.KindInternal, "stream", err))
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("stream unsubscribe failed", "error", err)
		}
	}()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("event stream cannot flush", "error", err)
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-events:
			if _, err := fmt.Fprintf(w, "event: reading\ndata: %s\n\n", payload); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// ListAlertRules lists the tenant's stored rules.
func (h *Handler) ListAlertRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rules, err := h.svc.Repo.ListAlertRules(ctx, TenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// CreateAlertRule validates, stores and activates a rule.
func (h *Handler) CreateAlertRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := TenantID(ctx)

	var req AlertRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Expression == "" {
		writeError(w, domain.NewError(domain.KindValidation, "alert rule", "name and expression are required"))
		return
	}
	if h.svc.Rules == nil {
		writeError(w, domain.NewError(domain.KindUnsupported, "alert rule", "alerting is disabled"))
		return
	}
	if err := h.svc.Rules.Validate(req.Expression); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	rule := &domain.AlertRule{
		ID:         req.ID,
		TenantID:   tenantID,
		Name:       req.Name,
		Expression: req.Expression,
		Message:    req.Message,
		Enabled:    req.Enabled == nil || *req.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := h.svc.Repo.SaveAlertRule(ctx, tenantID, rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Rules.Refresh(ctx, h.svc.Repo, tenantID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":         rule,
		"active_rules": h.svc.Rules.RulesCount(tenantID),
	})
}

// ListAlerts lists raised alerts. Query: since (RFC3339).
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	alerts, err := h.svc.Repo.ListAlerts(ctx, TenantID(ctx), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

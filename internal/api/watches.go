package api

import (
	"net/http"

	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/polling"
	"github.com/opensource-finance/fieldgate/internal/subscription"
)

// NodeRequest names a node in remove, pause and resume bodies. Node ids
// carry ';' and '=' so they travel in the body rather than the query.
type NodeRequest struct {
	NodeID string `json:"node_id"`
}

func decodeNode(r *http.Request) (string, error) {
	var req NodeRequest
	if err := decode(r, &req); err != nil {
		return "", err
	}
	if req.NodeID == "" {
		return "", domain.NewError(domain.KindValidation, "node", "node_id is required")
	}
	return req.NodeID, nil
}

// ListPolling lists the tenant's polled nodes.
func (h *Handler) ListPolling(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Polling.List(TenantID(r.Context())))
}

// AddPolling schedules a node. The response carries the first poll's
// outcome; a failed first read does not fail the request.
func (h *Handler) AddPolling(w http.ResponseWriter, r *http.Request) {
	var req polling.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.TenantID = TenantID(r.Context())

	node, err := h.svc.Polling.Add(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// RemovePolling stops polling a node.
func (h *Handler) RemovePolling(w http.ResponseWriter, r *http.Request) {
	nodeID, err := decodeNode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Polling.Remove(r.Context(), TenantID(r.Context()), nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": nodeID})
}

// PausePolling suspends a node's job without forgetting it.
func (h *Handler) PausePolling(w http.ResponseWriter, r *http.Request) {
	h.togglePolling(w, r, h.svc.Polling.Pause, "paused")
}

// ResumePolling resumes a paused node.
func (h *Handler) ResumePolling(w http.ResponseWriter, r *http.Request) {
	h.togglePolling(w, r, h.svc.Polling.Resume, "resumed")
}

func (h *Handler) togglePolling(w http.ResponseWriter, r *http.Request, fn func(tenantID, nodeID string) error, verb string) {
	nodeID, err := decodeNode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(TenantID(r.Context()), nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{verb: nodeID})
}

// ListSubscriptions lists the tenant's watched nodes.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Subscriptions.List(TenantID(r.Context())))
}

// CreateSubscription watches a node. Watching an already watched node
// answers 200 with the existing subscription.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscription.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.TenantID = TenantID(r.Context())

	sub, err := h.svc.Subscriptions.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if sub.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

// RemoveSubscription stops watching a node.
func (h *Handler) RemoveSubscription(w http.ResponseWriter, r *http.Request) {
	nodeID, err := decodeNode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Subscriptions.Remove(r.Context(), TenantID(r.Context()), nodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": nodeID})
}

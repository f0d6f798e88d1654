package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/fieldgate/internal/datasource"
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// ReadRequest is the body of POST /datasources/{id}/read. NodeIDs wins
// over NodeID when both are set.
type ReadRequest struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

// WriteRequest is the body of POST /datasources/{id}/write.
type WriteRequest struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

// QueryRequest is the body of POST /datasources/{id}/query.
type QueryRequest struct {
	Query  string `json:"query"`
	Params []any  `json:"params"`
}

// TestDataSource probes a datasource. A failed probe is still a 200 with
// success false in the result.
func (h *Handler) TestDataSource(w http.ResponseWriter, r *http.Request) {
	res := h.svc.Pool.TestConnection(r.Context(), TenantID(r.Context()), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, res)
}

// ReadNodes reads one node, or many with independent per-node results.
func (h *Handler) ReadNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ReadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ref := chi.URLParam(r, "id")

	if len(req.NodeIDs) > 0 {
		results, err := h.svc.Pool.ReadNodes(ctx, TenantID(ctx), ref, req.NodeIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
		return
	}
	if req.NodeID == "" {
		writeError(w, domain.NewError(domain.KindValidation, "read", "node_id or node_ids is required"))
		return
	}

	value, err := h.svc.Pool.ReadNode(ctx, TenantID(ctx), ref, req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// WriteNode writes a value to one node.
func (h *Handler) WriteNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req WriteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.Value == nil {
		writeError(w, domain.NewError(domain.KindValidation, "write", "node_id and value are required"))
		return
	}
	if err := h.svc.Pool.WriteNode(ctx, TenantID(ctx), chi.URLParam(r, "id"), req.NodeID, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": req.NodeID, "written": true})
}

// Query runs a statement against a relational datasource.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req QueryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Query == "" {
		writeError(w, domain.NewError(domain.KindValidation, "query", "query is required"))
		return
	}
	res, err := h.svc.Pool.Query(ctx, TenantID(ctx), chi.URLParam(r, "id"), req.Query, req.Params...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InvalidateDataSource drops the cached configuration and live connection
// of one datasource so the next use reloads it from storage.
func (h *Handler) InvalidateDataSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := chi.URLParam(r, "id")
	h.svc.Pool.Invalidate(ctx, TenantID(ctx), ref)
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": ref})
}

// ClearCache drops every cached datasource configuration.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pool.ClearCache(r.Context()); err != nil {
		writeError(w, domain.WrapError(domain.KindInternal, "clear cache", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// DataSourceStatus lists the tenant's pooled connections.
func (h *Handler) DataSourceStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantID(r.Context())
	out := []datasource.SourceStatus{}
	for _, s := range h.svc.Pool.Status() {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

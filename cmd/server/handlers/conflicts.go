package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/metrics"
	"github.com/marinops/fleetsync/internal/models"
	"github.com/marinops/fleetsync/internal/sync/pending"
)

// ConflictHandler exposes the pending conflict queue and its
// resolution API.
type ConflictHandler struct {
	store   *pending.Store
	metrics *metrics.Metrics
}

// NewConflictHandler creates a ConflictHandler.
func NewConflictHandler(store *pending.Store, m *metrics.Metrics) *ConflictHandler {
	if m == nil {
		m = metrics.New()
	}
	return &ConflictHandler{store: store, metrics: m}
}

// ListPending handles GET /api/conflicts.
// Optional query parameters: table, record_id, limit.
func (h *ConflictHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	conflicts, err := h.store.ListPending(r.Context(), pending.Scope{
		Table:    r.URL.Query().Get("table"),
		RecordID: r.URL.Query().Get("record_id"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.FieldConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// GetConflict handles GET /api/conflicts/{id}.
func (h *ConflictHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// resolveRequest is the body for POST /api/conflicts/{id}/resolve.
// Value accepts any scalar: the chosen local value, the server value,
// or a custom one typed by the resolver.
type resolveRequest struct {
	Value      models.FieldValue `json:"value"`
	ResolvedBy string            `json:"resolved_by"`
}

// Resolve handles POST /api/conflicts/{id}/resolve.
// Returns 409 with STALE_RESOLUTION when the contested field itself
// moved since detection; the caller re-fetches and decides again
// against the fresh value.
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalidValue, "invalid resolve body", err))
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "resolved_by is required"))
		return
	}

	newVersion, err := h.store.Resolve(r.Context(), chi.URLParam(r, "id"), req.Value, req.ResolvedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.IncManualResolved()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resolved":    true,
		"new_version": newVersion,
	})
}

// autoResolveRequest is the body for POST /api/conflicts/auto-resolve.
type autoResolveRequest struct {
	ConflictIDs []string `json:"conflict_ids"`
	ResolvedBy  string   `json:"resolved_by"`
}

// AutoResolveBatch handles POST /api/conflicts/auto-resolve: "accept
// all suggested resolutions" for non-safety-critical pending conflicts.
// The response reports per-item outcomes; safety-critical items and
// already-resolved IDs fail individually without affecting the rest.
func (h *ConflictHandler) AutoResolveBatch(w http.ResponseWriter, r *http.Request) {
	var req autoResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalidValue, "invalid auto-resolve body", err))
		return
	}
	if len(req.ConflictIDs) == 0 {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "conflict_ids is required"))
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "resolved_by is required"))
		return
	}

	results := h.store.AutoResolveBatch(r.Context(), req.ConflictIDs, req.ResolvedBy)
	for _, res := range results {
		if res.Resolved {
			h.metrics.IncAutoResolved()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

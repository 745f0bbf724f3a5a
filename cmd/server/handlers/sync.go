package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marinops/fleetsync/internal/db"
	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/models"
	syncpkg "github.com/marinops/fleetsync/internal/sync"
	"github.com/marinops/fleetsync/internal/sync/version"
)

// SyncHandler processes device sync attempts and record reads.
type SyncHandler struct {
	engine   *syncpkg.Engine
	versions *version.Store
	repo     *db.Repository
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine *syncpkg.Engine, versions *version.Store, repo *db.Repository) *SyncHandler {
	return &SyncHandler{engine: engine, versions: versions, repo: repo}
}

// ProcessAttempt handles POST /api/sync.
// The body is one SyncAttempt; the response reports applied fields,
// no-ops, auto-resolved merges and newly pending conflicts. A CAS
// failure returns 409 with code VERSION_MISMATCH: the device must
// re-fetch and retry with a fresh base version.
func (h *SyncHandler) ProcessAttempt(w http.ResponseWriter, r *http.Request) {
	var attempt models.SyncAttempt
	if err := json.NewDecoder(r.Body).Decode(&attempt); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalidValue, "invalid sync attempt body", err))
		return
	}

	result, err := h.engine.ProcessAttempt(r.Context(), &attempt)
	if err != nil {
		// Partial application is expected: fields applied before the
		// failure stay committed and are reported alongside the error.
		if result != nil && (len(result.Applied) > 0 || len(result.AutoResolved) > 0) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"result": result,
				"error":  err.Error(),
				"code":   string(apperrors.CodeOf(err)),
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetRecord handles GET /api/records/{table}/{record_id}.
func (h *SyncHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	recordID := chi.URLParam(r, "record_id")

	record, err := h.versions.Get(r.Context(), table, recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ListChanges handles GET /api/records/{table}/{record_id}/changes.
// Returns the audit trail for a record, newest first.
func (h *SyncHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	entries, err := h.repo.ListChangeLog(chi.URLParam(r, "table"), chi.URLParam(r, "record_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.ChangeLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": entries,
		"count":   len(entries),
	})
}

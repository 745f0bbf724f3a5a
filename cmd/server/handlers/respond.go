// Package handlers provides the HTTP API for sync attempts and
// conflict resolution.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/marinops/fleetsync/internal/errors"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps an engine error to an HTTP status. CAS and
// resolution failures are client-retryable and surface as 409.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrInvalidValue, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrVersionMismatch, apperrors.ErrStaleResolution, apperrors.ErrAlreadyResolved:
		status = http.StatusConflict
	case apperrors.ErrSafetyCritical:
		status = http.StatusForbidden
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

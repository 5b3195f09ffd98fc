package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"gorm.io/gorm"

	"inferd/internal/download"
	"inferd/internal/pipeline"
	"inferd/internal/procman"
	"inferd/internal/store"
	"inferd/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusForError maps well-known orchestrator errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case pipeline.IsInvalidParam(err),
		procman.IsInvalidModel(err),
		procman.IsUnknownMode(err),
		errors.Is(err, store.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, gorm.ErrRecordNotFound), download.IsModelUnavailable(err):
		return http.StatusNotFound
	case procman.IsNotRunning(err), errors.Is(err, store.ErrNotDownloaded):
		return http.StatusConflict
	case procman.IsProcessFailure(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusForError(err), err.Error())
}

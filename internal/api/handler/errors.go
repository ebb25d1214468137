package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/engine"
	"github.com/kiranshivaraju/docbatch/internal/export"
	"github.com/kiranshivaraju/docbatch/internal/store"
)

// writeError maps engine, store and export errors onto the HTTP error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *engine.ValidationError
	var serr *engine.InvalidStateError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(),
			map[string]string{"field": verr.Field})
	case errors.Is(err, export.ErrUnknownFormat), errors.Is(err, export.ErrInvalidFilter):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.As(err, &serr):
		response.Error(w, http.StatusConflict, "INVALID_STATE", serr.Error(),
			map[string]string{"status": serr.Status})
	case errors.Is(err, engine.ErrEngine):
		slog.ErrorContext(r.Context(), "engine error", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "ENGINE_ERROR",
			"The batch engine could not complete the request", nil)
	default:
		slog.ErrorContext(r.Context(), "unexpected error", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func badRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

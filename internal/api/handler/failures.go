package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// FailureSummarizer groups a job's failed items by error.
type FailureSummarizer interface {
	FailureSummary(ctx context.Context, jobID uuid.UUID) ([]models.FailureGroup, error)
}

// NewFailuresHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/failures.
func NewFailuresHandler(svc FailureSummarizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		groups, err := svc.FailureSummary(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		total := 0
		for _, g := range groups {
			total += g.Count
		}
		response.JSON(w, map[string]any{
			"job_id":       jobID,
			"total_failed": total,
			"groups":       groups,
		})
	}
}

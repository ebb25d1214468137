package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// StaleClaimLister lists items claimed for longer than a threshold.
type StaleClaimLister interface {
	StaleClaims(ctx context.Context, olderThan time.Duration) ([]*models.Item, error)
}

type staleClaim struct {
	ItemID     uuid.UUID  `json:"item_id"`
	JobID      uuid.UUID  `json:"job_id"`
	ClaimedBy  string     `json:"claimed_by"`
	ClaimedAt  *time.Time `json:"claimed_at"`
	AgeSeconds int64      `json:"age_seconds"`
	Attempts   int        `json:"attempt_count"`
}

// NewStaleClaimsHandler returns an http.HandlerFunc for GET /api/v1/admin/stale-claims.
// older_than is a Go duration; absent uses the engine's threshold.
func NewStaleClaimsHandler(svc StaleClaimLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var olderThan time.Duration
		if raw := r.URL.Query().Get("older_than"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				badRequest(w, "older_than must be a positive duration such as 10m")
				return
			}
			olderThan = d
		}

		items, err := svc.StaleClaims(r.Context(), olderThan)
		if err != nil {
			writeError(w, r, err)
			return
		}
		now := time.Now()
		out := make([]staleClaim, 0, len(items))
		for _, it := range items {
			c := staleClaim{ItemID: it.ID, JobID: it.JobID, ClaimedAt: it.ClaimedAt, Attempts: it.AttemptCount}
			if it.ClaimedBy != nil {
				c.ClaimedBy = *it.ClaimedBy
			}
			if it.ClaimedAt != nil {
				c.AgeSeconds = int64(now.Sub(*it.ClaimedAt) / time.Second)
			}
			out = append(out, c)
		}
		response.JSON(w, out)
	}
}

package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/failures"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const failurePageSize = 1000

// FailureSummary groups the job's failed items by normalized error message,
// largest group first.
func (e *Engine) FailureSummary(ctx context.Context, jobID uuid.UUID) ([]models.FailureGroup, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, mapStoreErr("failure summary", err)
	}
	s := failures.NewSummarizer()
	after := uuid.Nil
	for {
		page, err := e.store.ListItems(ctx, store.ItemFilter{
			JobID:    jobID,
			Statuses: []string{models.ItemStatusFailed},
			After:    after,
			Limit:    failurePageSize,
		})
		if err != nil {
			return nil, mapStoreErr("failure summary", err)
		}
		for _, it := range page {
			s.Add(it)
		}
		if len(page) < failurePageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	return s.Groups(), nil
}

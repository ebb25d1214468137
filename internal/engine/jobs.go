package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const (
	maxNameLength        = 255
	maxDescriptionLength = 1000
	maxRetriesLimit      = 10
	maxTimeoutSeconds    = 600
	maxItemsPerBatch     = 1000
)

// JobSpec is the client-supplied definition of a job.
type JobSpec struct {
	Name            string
	Description     string
	AnalysisKind    string
	AnalysisOptions map[string]any
	Priority        int
	// MaxRetries defaults to models.DefaultMaxRetries when nil.
	MaxRetries *int
	// TimeoutSeconds of zero uses the engine's default per-item timeout.
	TimeoutSeconds int
}

func (e *Engine) validateSpec(spec JobSpec) error {
	name := strings.TrimSpace(spec.Name)
	switch {
	case name == "":
		return &ValidationError{Field: "name", Message: "is required"}
	case utf8.RuneCountInString(name) > maxNameLength:
		return &ValidationError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	case utf8.RuneCountInString(spec.Description) > maxDescriptionLength:
		return &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", maxDescriptionLength)}
	case !e.kinds[spec.AnalysisKind]:
		return &ValidationError{Field: "analysis_kind", Message: fmt.Sprintf("unknown analysis kind %q", spec.AnalysisKind)}
	case spec.Priority < models.PriorityLow || spec.Priority > models.PriorityHigh:
		return &ValidationError{Field: "priority", Message: "must be low, normal or high"}
	case spec.MaxRetries != nil && *spec.MaxRetries < 0:
		return &ValidationError{Field: "max_retries", Message: "must not be negative"}
	case spec.MaxRetries != nil && *spec.MaxRetries > maxRetriesLimit:
		return &ValidationError{Field: "max_retries", Message: fmt.Sprintf("must be at most %d", maxRetriesLimit)}
	case spec.TimeoutSeconds < 0 || spec.TimeoutSeconds > maxTimeoutSeconds:
		return &ValidationError{Field: "timeout_seconds", Message: fmt.Sprintf("must be between 1 and %d", maxTimeoutSeconds)}
	}
	return nil
}

// CreateJob validates spec and stores a new job in status created.
func (e *Engine) CreateJob(ctx context.Context, spec JobSpec) (*models.Job, error) {
	if err := e.validateSpec(spec); err != nil {
		return nil, err
	}

	maxRetries := models.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, &EngineError{Op: "create job", Err: err}
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.Job{
		ID:              id,
		Name:            strings.TrimSpace(spec.Name),
		Description:     spec.Description,
		AnalysisKind:    spec.AnalysisKind,
		AnalysisOptions: spec.AnalysisOptions,
		Priority:        spec.Priority,
		MaxRetries:      maxRetries,
		TimeoutSeconds:  spec.TimeoutSeconds,
		Status:          models.JobStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.AnalysisOptions == nil {
		job.AnalysisOptions = map[string]any{}
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, &EngineError{Op: "create job", Err: err}
	}
	slog.InfoContext(ctx, "job created", "job_id", job.ID, "analysis_kind", job.AnalysisKind, "max_retries", job.MaxRetries)
	return job, nil
}

// AddItems appends a batch of items to a job in status created or paused and
// returns their ids in input order. There is no dedup by content.
func (e *Engine) AddItems(ctx context.Context, jobID uuid.UUID, batch []models.NewItem) ([]uuid.UUID, error) {
	if len(batch) == 0 {
		return nil, &ValidationError{Field: "items", Message: "at least one item is required"}
	}
	if len(batch) > maxItemsPerBatch {
		return nil, &ValidationError{Field: "items", Message: fmt.Sprintf("at most %d items per batch", maxItemsPerBatch)}
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	items := make([]*models.Item, len(batch))
	ids := make([]uuid.UUID, len(batch))
	for i, in := range batch {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, &EngineError{Op: "add items", Err: err}
		}
		metadata := in.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		items[i] = &models.Item{
			ID:          id,
			JobID:       jobID,
			PayloadRef:  in.PayloadRef,
			Metadata:    metadata,
			Status:      models.ItemStatusPending,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ids[i] = id
	}

	err := e.store.AddItems(ctx, jobID, items)
	if errors.Is(err, store.ErrJobNotMutable) {
		job, gerr := e.store.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, mapStoreErr("add items", gerr)
		}
		return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Op: "add items to"}
	}
	if err != nil {
		return nil, mapStoreErr("add items", err)
	}

	slog.InfoContext(ctx, "items added", "job_id", jobID, "count", len(items))
	return ids, nil
}

// JobStatus is a job snapshot with derived progress figures.
type JobStatus struct {
	*models.Job
	ProgressPercentage  float64    `json:"progress_percentage"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// JobStatus recomputes the job's counts from its items and returns the job.
func (e *Engine) JobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	if _, err := e.store.RecomputeCounts(ctx, jobID); err != nil {
		return nil, mapStoreErr("job status", err)
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr("job status", err)
	}
	return statusOf(job, time.Now().UTC()), nil
}

// statusOf extrapolates completion from throughput since the job started.
func statusOf(job *models.Job, now time.Time) *JobStatus {
	st := &JobStatus{Job: job, ProgressPercentage: job.Counts.ProgressPercentage()}
	done := job.Counts.Completed + job.Counts.Failed
	remaining := job.Counts.Total - done
	if job.Status != models.JobStatusRunning || job.StartedAt == nil || done == 0 || remaining <= 0 {
		return st
	}
	elapsed := now.Sub(*job.StartedAt)
	if elapsed <= 0 {
		return st
	}
	perItem := elapsed / time.Duration(done)
	eta := now.Add(perItem * time.Duration(remaining))
	st.EstimatedCompletion = &eta
	return st
}

// ListJobs returns a page of jobs, newest first, and the total matching count.
func (e *Engine) ListJobs(ctx context.Context, status string, limit, offset int) ([]*models.Job, int, error) {
	if status != "" && !isJobStatus(status) {
		return nil, 0, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown job status %q", status)}
	}
	limit, err := pageLimit(limit)
	if err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	jobs, total, err := e.store.ListJobs(ctx, store.JobFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, mapStoreErr("list jobs", err)
	}
	return jobs, total, nil
}

// ListItems returns a page of a job's items in id order after cursor.
func (e *Engine) ListItems(ctx context.Context, jobID uuid.UUID, statuses []string, cursor uuid.UUID, limit int) ([]*models.Item, error) {
	for _, s := range statuses {
		if !models.IsItemStatus(s) {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown item status %q", s)}
		}
	}
	limit, err := pageLimit(limit)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return nil, mapStoreErr("list items", err)
	}
	items, err := e.store.ListItems(ctx, store.ItemFilter{JobID: jobID, Statuses: statuses, After: cursor, Limit: limit})
	if err != nil {
		return nil, mapStoreErr("list items", err)
	}
	return items, nil
}

// Page sizes accepted by ListJobs and ListItems. A zero limit means DefaultPageLimit.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

func pageLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultPageLimit, nil
	case limit < 0 || limit > MaxPageLimit:
		return 0, &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxPageLimit)}
	}
	return limit, nil
}

func isJobStatus(s string) bool {
	switch s {
	case models.JobStatusCreated, models.JobStatusRunning, models.JobStatusPaused,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}

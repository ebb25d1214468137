package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrJobNotMutable is returned when items are added to a job that is not created or paused.
var ErrJobNotMutable = errors.New("job does not accept items in its current status")

// ErrNotClaimed is returned when a result or release does not match the item's current claim.
var ErrNotClaimed = errors.New("item is not claimed by this worker")

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid job status transition")

// TransitionError reports a rejected job status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition from %q to %q", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Store is the data access interface. All job and item persistence goes through here.
// Implementations must be safe for concurrent use; ClaimNextPending is the only
// operation that coordinates workers.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error

	AddItems(ctx context.Context, jobID uuid.UUID, items []*models.Item) error
	GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]*models.Item, error)

	ClaimNextPending(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Item, error)
	RecordResult(ctx context.Context, claim Claim, outcome models.Outcome, retryAt time.Time) (*models.Item, error)
	ReleaseClaim(ctx context.Context, claim Claim) error
	ReleaseClaims(ctx context.Context, jobID uuid.UUID) (int, error)
	ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*models.Item, error)

	RecomputeCounts(ctx context.Context, jobID uuid.UUID) (models.Counts, error)
}

// Claim identifies one hold on an item. RecordResult and ReleaseClaim succeed only
// while the item is still claimed by WorkerID at AttemptCount.
type Claim struct {
	ItemID       uuid.UUID
	WorkerID     string
	AttemptCount int
}

// ClaimOf returns the claim a worker holds on a freshly claimed item.
func ClaimOf(item *models.Item) Claim {
	c := Claim{ItemID: item.ID, AttemptCount: item.AttemptCount}
	if item.ClaimedBy != nil {
		c.WorkerID = *item.ClaimedBy
	}
	return c
}

type JobFilter struct {
	Status string
	Limit  int
	Offset int
}

// ItemFilter selects a page of a job's items in id order, starting after the After cursor.
type ItemFilter struct {
	JobID    uuid.UUID
	Statuses []string
	After    uuid.UUID
	Limit    int
}

const (
	defaultJobLimit  = 100
	maxJobLimit      = 1000
	defaultItemLimit = 100
	maxItemLimit     = 1000
)

func (f JobFilter) normalized() JobFilter {
	if f.Limit <= 0 {
		f.Limit = defaultJobLimit
	}
	if f.Limit > maxJobLimit {
		f.Limit = maxJobLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f ItemFilter) normalized() ItemFilter {
	if f.Limit <= 0 {
		f.Limit = defaultItemLimit
	}
	if f.Limit > maxItemLimit {
		f.Limit = maxItemLimit
	}
	return f
}

// validTransitions lists the job statuses each status may move to.
// running -> running is absent: restarting after a crash needs no status change.
var validTransitions = map[string][]string{
	models.JobStatusCreated: {models.JobStatusRunning, models.JobStatusCancelled},
	models.JobStatusRunning: {models.JobStatusPaused, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusPaused:  {models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusCancelled},
}

// allowedFrom returns the statuses that may transition to status.
func allowedFrom(status string) []string {
	var from []string
	for src, dsts := range validTransitions {
		for _, d := range dsts {
			if d == status {
				from = append(from, src)
			}
		}
	}
	return from
}

func canTransition(from, to string) bool {
	for _, d := range validTransitions[from] {
		if d == to {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func applyOptions(opts []JobUpdateOption) jobUpdateParams {
	var p jobUpdateParams
	for _, o := range opts {
		o(&p)
	}
	return p
}

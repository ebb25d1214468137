package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// MemoryStore implements Store in process memory. A single mutex guards all state,
// which makes every operation, including the claim, atomic. Intended for tests and
// single-process deployments without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	jobs  map[uuid.UUID]*models.Job
	items map[uuid.UUID]*models.Item
	// order holds each job's item ids sorted ascending.
	order map[uuid.UUID][]uuid.UUID
	// queue holds each job's pending item ids in claim order. Entries that are no
	// longer pending are dropped lazily on claim.
	queue map[uuid.UUID][]uuid.UUID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		jobs:  make(map[uuid.UUID]*models.Job),
		items: make(map[uuid.UUID]*models.Item),
		order: make(map[uuid.UUID][]uuid.UUID),
		queue: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("create job: duplicate id %s", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter = filter.normalized()

	s.mu.Lock()
	matched := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.Status == "" || j.Status == filter.Status {
			matched = append(matched, cloneJob(j))
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return bytes.Compare(matched[a].ID[:], matched[b].ID[:]) > 0
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*models.Job{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	p := applyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !canTransition(j.Status, status) {
		return &TransitionError{From: j.Status, To: status}
	}

	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		j.ErrorMessage = &msg
	}
	if status == models.JobStatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if models.IsTerminalJobStatus(status) {
		j.FinishedAt = &now
	}
	return nil
}

// --- Items ---

func (s *MemoryStore) AddItems(_ context.Context, jobID uuid.UUID, items []*models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != models.JobStatusCreated && j.Status != models.JobStatusPaused {
		return fmt.Errorf("%w: job is %s", ErrJobNotMutable, j.Status)
	}

	for _, in := range items {
		it := cloneItem(in)
		it.JobID = jobID
		it.Status = models.ItemStatusPending
		it.AttemptCount = 0
		s.items[it.ID] = it
		s.order[jobID] = append(s.order[jobID], it.ID)
		s.queue[jobID] = append(s.queue[jobID], it.ID)
	}

	ids := s.order[jobID]
	sort.Slice(ids, func(a, b int) bool { return bytes.Compare(ids[a][:], ids[b][:]) < 0 })

	s.recompute(jobID)
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, id uuid.UUID) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *MemoryStore) ListItems(_ context.Context, filter ItemFilter) ([]*models.Item, error) {
	filter = filter.normalized()

	var want map[string]bool
	if len(filter.Statuses) > 0 {
		want = make(map[string]bool, len(filter.Statuses))
		for _, st := range filter.Statuses {
			want[st] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.order[filter.JobID]
	start := 0
	if filter.After != uuid.Nil {
		start = sort.Search(len(ids), func(i int) bool {
			return bytes.Compare(ids[i][:], filter.After[:]) > 0
		})
	}

	out := []*models.Item{}
	for _, id := range ids[start:] {
		it := s.items[id]
		if want != nil && !want[it.Status] {
			continue
		}
		out = append(out, cloneItem(it))
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Claims ---

func (s *MemoryStore) ClaimNextPending(_ context.Context, jobID uuid.UUID, workerID string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	q := s.queue[jobID]
	kept := q[:0]
	var claimed *models.Item
	for i, id := range q {
		it := s.items[id]
		if it.Status != models.ItemStatusPending {
			continue
		}
		if claimed == nil && !it.AvailableAt.After(now) {
			claimed = it
			kept = append(kept, q[i+1:]...)
			break
		}
		kept = append(kept, id)
	}
	s.queue[jobID] = kept

	if claimed == nil {
		return nil, nil
	}

	worker := workerID
	claimed.Status = models.ItemStatusClaimed
	claimed.ClaimedBy = &worker
	claimed.ClaimedAt = &now
	claimed.UpdatedAt = now
	return cloneItem(claimed), nil
}

func (s *MemoryStore) RecordResult(_ context.Context, claim Claim, outcome models.Outcome, retryAt time.Time) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.heldItem(claim)
	if err != nil {
		return nil, err
	}
	j := s.jobs[it.JobID]

	now := s.now()
	ms := outcome.Duration.Milliseconds()
	it.AttemptCount++
	it.ProcessingMs = &ms
	it.UpdatedAt = now

	switch outcome.Kind {
	case models.OutcomeSuccess:
		it.Status = models.ItemStatusCompleted
		it.Result = cloneMap(outcome.Result)
		if it.Result == nil {
			it.Result = map[string]any{}
		}
		it.LastError = nil
		it.FinishedAt = &now
	case models.OutcomeFatal:
		it.Status = models.ItemStatusFailed
		it.LastError = strPtr(outcome.Err)
		it.FinishedAt = &now
	case models.OutcomeRetryable:
		it.LastError = strPtr(outcome.Err)
		if it.AttemptCount > j.MaxRetries {
			it.Status = models.ItemStatusFailed
			it.FinishedAt = &now
		} else {
			it.Status = models.ItemStatusPending
			it.AvailableAt = retryAt
			it.ClaimedBy = nil
			it.ClaimedAt = nil
			s.queue[it.JobID] = append(s.queue[it.JobID], it.ID)
		}
	default:
		it.AttemptCount--
		return nil, fmt.Errorf("record result: unknown outcome kind %d", outcome.Kind)
	}
	return cloneItem(it), nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, claim Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.heldItem(claim)
	if err != nil {
		return err
	}
	s.release(it)
	return nil
}

func (s *MemoryStore) ReleaseClaims(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, id := range s.order[jobID] {
		if it := s.items[id]; it.Status == models.ItemStatusClaimed {
			s.release(it)
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) ListStaleClaims(_ context.Context, claimedBefore time.Time, limit int) ([]*models.Item, error) {
	if limit <= 0 || limit > maxItemLimit {
		limit = maxItemLimit
	}

	s.mu.Lock()
	var stale []*models.Item
	for _, it := range s.items {
		if it.Status == models.ItemStatusClaimed && it.ClaimedAt != nil && it.ClaimedAt.Before(claimedBefore) {
			stale = append(stale, cloneItem(it))
		}
	}
	s.mu.Unlock()

	sort.Slice(stale, func(a, b int) bool { return stale[a].ClaimedAt.Before(*stale[b].ClaimedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	if stale == nil {
		stale = []*models.Item{}
	}
	return stale, nil
}

// heldItem returns the item if claim still matches it. Callers hold s.mu.
func (s *MemoryStore) heldItem(claim Claim) (*models.Item, error) {
	it, ok := s.items[claim.ItemID]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != models.ItemStatusClaimed || it.ClaimedBy == nil || *it.ClaimedBy != claim.WorkerID ||
		it.AttemptCount != claim.AttemptCount {
		return nil, ErrNotClaimed
	}
	return it, nil
}

// release puts a claimed item back at the front of its job's queue. Callers hold s.mu.
func (s *MemoryStore) release(it *models.Item) {
	it.Status = models.ItemStatusPending
	it.ClaimedBy = nil
	it.ClaimedAt = nil
	it.UpdatedAt = s.now()
	s.queue[it.JobID] = append([]uuid.UUID{it.ID}, s.queue[it.JobID]...)
}

// --- Counts ---

func (s *MemoryStore) RecomputeCounts(_ context.Context, jobID uuid.UUID) (models.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return models.Counts{}, ErrNotFound
	}
	return s.recompute(jobID), nil
}

// recompute derives counts from item statuses and caches them on the job. Callers hold s.mu.
func (s *MemoryStore) recompute(jobID uuid.UUID) models.Counts {
	var c models.Counts
	for _, id := range s.order[jobID] {
		c.Total++
		switch s.items[id].Status {
		case models.ItemStatusPending:
			c.Pending++
		case models.ItemStatusClaimed:
			c.InProgress++
		case models.ItemStatusCompleted:
			c.Completed++
		case models.ItemStatusFailed:
			c.Failed++
		}
	}
	j := s.jobs[jobID]
	j.Counts = c
	j.UpdatedAt = s.now()
	return c
}

// --- copies ---

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.AnalysisOptions = cloneMap(j.AnalysisOptions)
	if j.ErrorMessage != nil {
		c.ErrorMessage = strPtr(*j.ErrorMessage)
	}
	c.StartedAt = timePtr(j.StartedAt)
	c.FinishedAt = timePtr(j.FinishedAt)
	return &c
}

func cloneItem(it *models.Item) *models.Item {
	c := *it
	c.Metadata = cloneMap(it.Metadata)
	c.Result = cloneMap(it.Result)
	if it.LastError != nil {
		c.LastError = strPtr(*it.LastError)
	}
	if it.ClaimedBy != nil {
		c.ClaimedBy = strPtr(*it.ClaimedBy)
	}
	if it.ProcessingMs != nil {
		ms := *it.ProcessingMs
		c.ProcessingMs = &ms
	}
	c.ClaimedAt = timePtr(it.ClaimedAt)
	c.FinishedAt = timePtr(it.FinishedAt)
	return &c
}

// cloneMap copies the top level only; values are treated as immutable.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func strPtr(s string) *string { return &s }

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

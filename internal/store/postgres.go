package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, name, description, analysis_kind, analysis_options, priority, max_retries,
	timeout_seconds, status, total_items, pending_items, in_progress_items, completed_items, failed_items,
	error_message, created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Name, &j.Description, &j.AnalysisKind, &j.AnalysisOptions, &j.Priority,
		&j.MaxRetries, &j.TimeoutSeconds, &j.Status, &j.Counts.Total, &j.Counts.Pending, &j.Counts.InProgress,
		&j.Counts.Completed, &j.Counts.Failed, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt,
		&j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// itemColumns returns the item column list, qualified with prefix when non-empty.
func itemColumns(prefix string) string {
	cols := []string{"id", "job_id", "payload_ref", "metadata", "status", "attempt_count", "last_error",
		"result", "claimed_by", "claimed_at", "available_at", "processing_ms", "created_at", "updated_at",
		"finished_at"}
	if prefix != "" {
		for i, c := range cols {
			cols[i] = prefix + "." + c
		}
	}
	return strings.Join(cols, ", ")
}

func scanItem(row pgx.Row) (*models.Item, error) {
	var it models.Item
	err := row.Scan(&it.ID, &it.JobID, &it.PayloadRef, &it.Metadata, &it.Status, &it.AttemptCount,
		&it.LastError, &it.Result, &it.ClaimedBy, &it.ClaimedAt, &it.AvailableAt, &it.ProcessingMs,
		&it.CreatedAt, &it.UpdatedAt, &it.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]*models.Item, error) {
	defer rows.Close()
	items := []*models.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, name, description, analysis_kind, analysis_options, priority, max_retries,
		   timeout_seconds, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Name, job.Description, job.AnalysisKind, orEmpty(job.AnalysisOptions), job.Priority,
		job.MaxRetries, job.TimeoutSeconds, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	filter = filter.normalized()

	where := "TRUE"
	args := []any{}
	if filter.Status != "" {
		where = "status = $1"
		args = append(args, filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// UpdateJobStatus moves a job to status if the transition is allowed from its current status.
// The check and the write are one statement, so concurrent callers cannot both win.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	p := applyOptions(opts)

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		   status = $2,
		   error_message = COALESCE($3, error_message),
		   started_at = CASE WHEN $5 THEN COALESCE(started_at, NOW()) ELSE started_at END,
		   finished_at = CASE WHEN $6 THEN NOW() ELSE finished_at END,
		   updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)`,
		id, status, p.ErrorMessage, allowedFrom(status),
		status == models.JobStatusRunning, models.IsTerminalJobStatus(status))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return &TransitionError{From: current, To: status}
}

// --- Items ---

// AddItems appends items to a job that is created or paused. The job row is locked for
// the duration so a concurrent start cannot interleave with the insert.
func (s *PostgresStore) AddItems(ctx context.Context, jobID uuid.UUID, items []*models.Item) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("add items: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if status != models.JobStatusCreated && status != models.JobStatusPaused {
		return fmt.Errorf("%w: job is %s", ErrJobNotMutable, status)
	}

	cols := []string{"id", "job_id", "payload_ref", "metadata", "status", "attempt_count", "available_at",
		"created_at", "updated_at"}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"items"}, cols, pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		it := items[i]
		return []any{it.ID, jobID, it.PayloadRef, orEmpty(it.Metadata), models.ItemStatusPending, 0,
			it.AvailableAt, it.CreatedAt, it.UpdatedAt}, nil
	}))
	if err != nil {
		return fmt.Errorf("copy items: %w", err)
	}

	if _, err := recomputeCounts(ctx, tx, jobID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit items: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns("")+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]*models.Item, error) {
	filter = filter.normalized()

	conditions := []string{"job_id = $1"}
	args := []any{filter.JobID}
	argIdx := 2

	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, filter.Statuses)
		argIdx++
	}
	if filter.After != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("id > $%d", argIdx))
		args = append(args, filter.After)
		argIdx++
	}

	query := fmt.Sprintf(`SELECT %s FROM items WHERE %s ORDER BY id LIMIT $%d`,
		itemColumns(""), strings.Join(conditions, " AND "), argIdx)
	args = append(args, filter.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// --- Claims ---

// ClaimNextPending atomically moves the lowest-id available pending item to claimed.
// SKIP LOCKED keeps concurrent claimers from queueing on the same row.
// It returns nil, nil when nothing is claimable.
func (s *PostgresStore) ClaimNextPending(ctx context.Context, jobID uuid.UUID, workerID string) (*models.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`UPDATE items SET status = 'claimed', claimed_by = $2, claimed_at = NOW(), updated_at = NOW()
		 WHERE id = (
		   SELECT id FROM items
		   WHERE job_id = $1 AND status = 'pending' AND available_at <= NOW()
		   ORDER BY id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) AND status = 'pending'
		 RETURNING `+itemColumns(""),
		jobID, workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending: %w", err)
	}
	return it, nil
}

// RecordResult applies outcome to a claimed item. Every recorded outcome counts as an attempt.
// A retryable failure returns the item to pending until attempt_count exceeds the job's
// max_retries. A second call for the same claim matches no row and returns ErrNotClaimed.
func (s *PostgresStore) RecordResult(ctx context.Context, claim Claim, outcome models.Outcome, retryAt time.Time) (*models.Item, error) {
	ms := outcome.Duration.Milliseconds()

	var row pgx.Row
	switch outcome.Kind {
	case models.OutcomeSuccess:
		row = s.pool.QueryRow(ctx,
			`UPDATE items SET status = 'completed', attempt_count = attempt_count + 1, result = $4,
			   last_error = NULL, processing_ms = $5, finished_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2 AND attempt_count = $3
			 RETURNING `+itemColumns(""),
			claim.ItemID, claim.WorkerID, claim.AttemptCount, orEmpty(outcome.Result), ms)
	case models.OutcomeFatal:
		row = s.pool.QueryRow(ctx,
			`UPDATE items SET status = 'failed', attempt_count = attempt_count + 1, last_error = $4,
			   processing_ms = $5, finished_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2 AND attempt_count = $3
			 RETURNING `+itemColumns(""),
			claim.ItemID, claim.WorkerID, claim.AttemptCount, outcome.Err, ms)
	case models.OutcomeRetryable:
		row = s.pool.QueryRow(ctx,
			`UPDATE items i SET
			   attempt_count = i.attempt_count + 1,
			   status = CASE WHEN i.attempt_count + 1 > j.max_retries THEN 'failed' ELSE 'pending' END,
			   last_error = $4,
			   processing_ms = $5,
			   available_at = CASE WHEN i.attempt_count + 1 > j.max_retries THEN i.available_at ELSE $6 END,
			   finished_at = CASE WHEN i.attempt_count + 1 > j.max_retries THEN NOW() ELSE NULL END,
			   claimed_by = CASE WHEN i.attempt_count + 1 > j.max_retries THEN i.claimed_by ELSE NULL END,
			   claimed_at = CASE WHEN i.attempt_count + 1 > j.max_retries THEN i.claimed_at ELSE NULL END,
			   updated_at = NOW()
			 FROM jobs j
			 WHERE i.job_id = j.id AND i.id = $1 AND i.status = 'claimed' AND i.claimed_by = $2
			   AND i.attempt_count = $3
			 RETURNING `+itemColumns("i"),
			claim.ItemID, claim.WorkerID, claim.AttemptCount, outcome.Err, ms, retryAt)
	default:
		return nil, fmt.Errorf("record result: unknown outcome kind %d", outcome.Kind)
	}

	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.claimMismatch(ctx, claim.ItemID)
	}
	if err != nil {
		return nil, fmt.Errorf("record result: %w", err)
	}
	return it, nil
}

// ReleaseClaim returns a claimed item to pending without counting an attempt.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, claim Claim) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'claimed' AND claimed_by = $2 AND attempt_count = $3`,
		claim.ItemID, claim.WorkerID, claim.AttemptCount)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimMismatch(ctx, claim.ItemID)
	}
	return nil
}

// ReleaseClaims returns every claimed item of a job to pending. Used when no live worker
// can own those claims.
func (s *PostgresStore) ReleaseClaims(ctx context.Context, jobID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE job_id = $1 AND status = 'claimed'`, jobID)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*models.Item, error) {
	if limit <= 0 || limit > maxItemLimit {
		limit = maxItemLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns("")+` FROM items
		 WHERE status = 'claimed' AND claimed_at < $1
		 ORDER BY claimed_at LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) claimMismatch(ctx context.Context, itemID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, itemID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check item: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotClaimed
}

// --- Counts ---

func (s *PostgresStore) RecomputeCounts(ctx context.Context, jobID uuid.UUID) (models.Counts, error) {
	return recomputeCounts(ctx, s.pool, jobID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// recomputeCounts derives the aggregate from item statuses and caches it on the job row
// in a single statement, so the snapshot is consistent.
func recomputeCounts(ctx context.Context, q querier, jobID uuid.UUID) (models.Counts, error) {
	var c models.Counts
	err := q.QueryRow(ctx,
		`WITH agg AS (
		   SELECT COUNT(*) AS total,
		          COUNT(*) FILTER (WHERE status = 'pending') AS pending,
		          COUNT(*) FILTER (WHERE status = 'claimed') AS in_progress,
		          COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		          COUNT(*) FILTER (WHERE status = 'failed') AS failed
		   FROM items WHERE job_id = $1
		 )
		 UPDATE jobs SET total_items = agg.total, pending_items = agg.pending,
		   in_progress_items = agg.in_progress, completed_items = agg.completed,
		   failed_items = agg.failed, updated_at = NOW()
		 FROM agg WHERE jobs.id = $1
		 RETURNING total_items, pending_items, in_progress_items, completed_items, failed_items`,
		jobID).Scan(&c.Total, &c.Pending, &c.InProgress, &c.Completed, &c.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counts{}, ErrNotFound
	}
	if err != nil {
		return models.Counts{}, fmt.Errorf("recompute counts: %w", err)
	}
	return c, nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

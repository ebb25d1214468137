package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/docbatch/internal/log"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// work is one pool worker. It services running jobs until ctx is cancelled.
func (e *Engine) work(ctx context.Context, workerID string) {
	ctx = log.ContextAttrs(ctx, slog.String("worker_id", workerID))
	timer := time.NewTimer(e.cfg.IdlePoll)
	defer timer.Stop()

	for ctx.Err() == nil {
		run := e.acquire()
		if run == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.cfg.IdlePoll)
			select {
			case <-ctx.Done():
			case <-e.wake:
			case <-timer.C:
			}
			continue
		}

		e.step(ctx, run, workerID)
		run.inflight.Done()
	}
}

// acquire picks the job to service next: highest priority, then earliest start.
// Jobs that recently found nothing to claim are skipped until their idle period
// ends. The returned run has been added to its inflight group.
func (e *Engine) acquire() *jobRun {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var best *jobRun
	for _, run := range e.runs {
		if run.state != stateRunning || now.Before(run.idleUntil) {
			continue
		}
		if best == nil || before(run.job, best.job) {
			best = run
		}
	}
	if best != nil {
		best.inflight.Add(1)
	}
	return best
}

// before orders jobs for scheduling. Priority is a hint, not a guarantee.
func before(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	as, bs := startedAt(a), startedAt(b)
	if !as.Equal(bs) {
		return as.Before(bs)
	}
	return a.ID.String() < b.ID.String()
}

func startedAt(j *models.Job) time.Time {
	if j.StartedAt == nil {
		return j.CreatedAt
	}
	return *j.StartedAt
}

// step claims and processes at most one item of run's job.
func (e *Engine) step(ctx context.Context, run *jobRun, workerID string) {
	jobID := run.job.ID
	ctx = log.ContextAttrs(ctx, slog.String("job_id", jobID.String()))

	sctx, cancel := storeCtx(ctx)
	item, err := e.store.ClaimNextPending(sctx, jobID, workerID)
	cancel()
	if err != nil {
		e.storeFailure(ctx, run, "claim", err)
		return
	}
	if item == nil {
		e.idle(ctx, run)
		return
	}

	e.busy.Add(1)
	e.metrics.WorkerBusy(1)
	defer func() {
		e.busy.Add(-1)
		e.metrics.WorkerBusy(-1)
	}()

	ctx = log.ContextAttrs(ctx, slog.String("item_id", item.ID.String()))
	claim := store.ClaimOf(item)

	// Pause and cancel are observed between claim and invocation.
	if !e.claimable(run) || run.ctx.Err() != nil {
		e.release(ctx, run, claim)
		return
	}

	job := run.job
	outcome := e.invoker.Invoke(run.ctx, item.PayloadRef, job.AnalysisKind, job.AnalysisOptions, job.Timeout(e.cfg.DefaultTimeout))

	if outcome.Kind != models.OutcomeSuccess && run.ctx.Err() != nil {
		if !errors.Is(context.Cause(run.ctx), errJobCancelled) {
			// Shutdown or job abort: the attempt never got a fair chance.
			e.release(ctx, run, claim)
			return
		}
		outcome = models.Outcome{Kind: models.OutcomeFatal, Err: "cancelled", Duration: outcome.Duration}
	}

	retryAt := time.Now().UTC().Add(e.retryDelay(item.AttemptCount + 1))
	sctx, cancel = storeCtx(ctx)
	recorded, err := e.store.RecordResult(sctx, claim, outcome, retryAt)
	cancel()
	if errors.Is(err, store.ErrNotClaimed) {
		slog.WarnContext(ctx, "claim lost before result was recorded", "outcome", outcome.Kind.String())
		return
	}
	if err != nil {
		e.storeFailure(ctx, run, "record_result", err)
		return
	}
	e.storeOK(run)

	switch {
	case recorded.Status == models.ItemStatusPending:
		slog.InfoContext(ctx, "item will be retried", "attempt", recorded.AttemptCount, "error", outcome.Err,
			"retry_at", recorded.AvailableAt)
	case recorded.Status == models.ItemStatusFailed:
		slog.WarnContext(ctx, "item failed", "attempt", recorded.AttemptCount, "error", outcome.Err)
	default:
		slog.DebugContext(ctx, "item completed", "attempt", recorded.AttemptCount, "duration_ms", outcome.Duration.Milliseconds())
	}

	e.refresh(ctx, run)
}

func (e *Engine) claimable(run *jobRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return run.state == stateRunning
}

// release returns an un-invoked claim to pending. No attempt is counted.
func (e *Engine) release(ctx context.Context, run *jobRun, claim store.Claim) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()
	if err := e.store.ReleaseClaim(sctx, claim); err != nil && !errors.Is(err, store.ErrNotClaimed) {
		e.storeFailure(ctx, run, "release", err)
	}
}

// retryDelay returns the delay before the given attempt number may start.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = e.cfg.RetryMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// idle is called when a claim found nothing. The job completes once every item
// is terminal; otherwise workers look elsewhere for a while.
func (e *Engine) idle(ctx context.Context, run *jobRun) {
	e.mu.Lock()
	run.idleUntil = time.Now().Add(e.cfg.IdlePoll)
	e.mu.Unlock()

	e.refresh(ctx, run)
}

// refresh recomputes the job's counts, publishes them, and completes the job
// when nothing is pending or in progress.
func (e *Engine) refresh(ctx context.Context, run *jobRun) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()

	counts, err := e.store.RecomputeCounts(sctx, run.job.ID)
	if err != nil {
		e.storeFailure(ctx, run, "recompute_counts", err)
		return
	}

	snapshot := *run.job
	snapshot.Counts = counts
	if !counts.Settled() {
		e.publish(ctx, &snapshot)
		return
	}
	e.finish(ctx, run, models.JobStatusCompleted)
}

// finish moves a running job to a terminal status. Only the first caller wins;
// a job that is pausing or cancelling is left to that operation.
func (e *Engine) finish(ctx context.Context, run *jobRun, status string, opts ...store.JobUpdateOption) {
	e.mu.Lock()
	if run.state != stateRunning {
		e.mu.Unlock()
		return
	}
	run.state = stateFinishing
	if e.runs[run.job.ID] == run {
		delete(e.runs, run.job.ID)
	}
	active := len(e.runs)
	e.mu.Unlock()
	e.metrics.SetActiveJobs(active)

	if status != models.JobStatusCompleted {
		run.cancel(errStorageAbort)
	}

	sctx, cancel := storeCtx(ctx)
	defer cancel()
	if err := e.store.UpdateJobStatus(sctx, run.job.ID, status, opts...); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Another engine or operation already settled the job.
			slog.DebugContext(ctx, "job already left running", "status", status, "error", err)
			return
		}
		slog.ErrorContext(ctx, "recording job status", "status", status, "error", err)
		return
	}
	e.metrics.JobTransition(status)

	job, err := e.store.GetJob(sctx, run.job.ID)
	if err != nil {
		slog.ErrorContext(ctx, "reading finished job", "error", err)
		return
	}
	slog.InfoContext(ctx, "job finished", "status", job.Status, "completed", job.Counts.Completed,
		"failed", job.Counts.Failed, "total", job.Counts.Total)
	e.publish(ctx, job)
}

func (e *Engine) storeOK(run *jobRun) {
	e.mu.Lock()
	run.storeFailures = 0
	e.mu.Unlock()
}

// storeFailure counts a store error seen while servicing run. Past the configured
// limit of consecutive failures the job is aborted as failed.
func (e *Engine) storeFailure(ctx context.Context, run *jobRun, op string, err error) {
	e.metrics.StoreError(op)
	slog.ErrorContext(ctx, "store operation failed", "op", op, "error", err)

	e.mu.Lock()
	run.storeFailures++
	run.idleUntil = time.Now().Add(e.cfg.IdlePoll)
	abort := run.storeFailures >= e.cfg.StorageFailureLimit
	e.mu.Unlock()

	if abort {
		e.finish(ctx, run, models.JobStatusFailed, store.WithErrorMessage(errStorageAbort.Error()+": "+err.Error()))
	}
}

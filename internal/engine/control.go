package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// StartJob hands a created or paused job to the worker pool. A job left running
// by a previous process (see Resume) may also be started; a job this engine is
// already servicing may not.
func (e *Engine) StartJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	unlock := e.lockJob(jobID)
	defer unlock()

	if e.isClosed() {
		return nil, &EngineError{Op: "start job", Err: errEngineClosed}
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr("start job", err)
	}

	switch job.Status {
	case models.JobStatusCreated, models.JobStatusPaused:
		counts, err := e.store.RecomputeCounts(ctx, jobID)
		if err != nil {
			return nil, mapStoreErr("start job", err)
		}
		if counts.Total == 0 {
			return nil, &ValidationError{Field: "items", Message: "job has no items"}
		}
		if err := e.store.UpdateJobStatus(ctx, jobID, models.JobStatusRunning); err != nil {
			return nil, e.transitionErr(ctx, jobID, "start", err)
		}
		e.metrics.JobTransition(models.JobStatusRunning)
	case models.JobStatusRunning:
		if e.hasRun(jobID) {
			return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Op: "start"}
		}
	default:
		return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Op: "start"}
	}

	job, err = e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr("start job", err)
	}
	e.register(job)
	slog.InfoContext(ctx, "job started", "job_id", jobID, "total", job.Counts.Total, "pending", job.Counts.Pending)
	e.publish(ctx, job)
	return job, nil
}

// PauseJob stops workers from claiming new items for a running job and blocks
// until in-flight invocations have been recorded. Items claimed but not yet
// invoked go back to pending. A job whose items all finished while draining
// completes instead of pausing.
func (e *Engine) PauseJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	unlock := e.lockJob(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr("pause job", err)
	}
	if job.Status != models.JobStatusRunning {
		return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Op: "pause"}
	}

	if run := e.detach(jobID, statePausing); run != nil {
		run.inflight.Wait()
	}

	sctx, cancel := storeCtx(ctx)
	defer cancel()

	counts, err := e.store.RecomputeCounts(sctx, jobID)
	if err != nil {
		return nil, mapStoreErr("pause job", err)
	}
	status := models.JobStatusPaused
	if counts.Total > 0 && counts.Settled() {
		status = models.JobStatusCompleted
	}
	if err := e.store.UpdateJobStatus(sctx, jobID, status); err != nil {
		return nil, e.transitionErr(sctx, jobID, "pause", err)
	}
	e.metrics.JobTransition(status)

	job, err = e.store.GetJob(sctx, jobID)
	if err != nil {
		return nil, mapStoreErr("pause job", err)
	}
	slog.InfoContext(ctx, "job paused", "job_id", jobID, "status", job.Status, "pending", job.Counts.Pending,
		"completed", job.Counts.Completed)
	e.publish(ctx, job)
	return job, nil
}

// CancelJob stops a job for good. In-flight invocations are interrupted and
// recorded as fatal failures with reason "cancelled"; pending items stay pending.
func (e *Engine) CancelJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	unlock := e.lockJob(jobID)
	defer unlock()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, mapStoreErr("cancel job", err)
	}
	if models.IsTerminalJobStatus(job.Status) {
		return nil, &InvalidStateError{JobID: jobID, Status: job.Status, Op: "cancel"}
	}

	if run := e.detach(jobID, stateCancelling); run != nil {
		run.cancel(errJobCancelled)
		run.inflight.Wait()
	}

	sctx, cancel := storeCtx(ctx)
	defer cancel()

	if err := e.store.UpdateJobStatus(sctx, jobID, models.JobStatusCancelled); err != nil {
		return nil, e.transitionErr(sctx, jobID, "cancel", err)
	}
	e.metrics.JobTransition(models.JobStatusCancelled)
	if _, err := e.store.RecomputeCounts(sctx, jobID); err != nil {
		return nil, mapStoreErr("cancel job", err)
	}

	job, err = e.store.GetJob(sctx, jobID)
	if err != nil {
		return nil, mapStoreErr("cancel job", err)
	}
	slog.InfoContext(ctx, "job cancelled", "job_id", jobID, "pending", job.Counts.Pending, "failed", job.Counts.Failed)
	e.publish(ctx, job)
	return job, nil
}

// transitionErr maps a rejected status update. A concurrent transition shows up
// as an InvalidStateError carrying the status that won.
func (e *Engine) transitionErr(ctx context.Context, jobID uuid.UUID, op string, err error) error {
	if !errors.Is(err, store.ErrInvalidTransition) {
		return mapStoreErr(op+" job", err)
	}
	status := ""
	var te *store.TransitionError
	if errors.As(err, &te) {
		status = te.From
	}
	if job, gerr := e.store.GetJob(ctx, jobID); gerr == nil {
		status = job.Status
	}
	return &InvalidStateError{JobID: jobID, Status: status, Op: op}
}

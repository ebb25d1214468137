package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const (
	resumePageSize = 1000
	staleListLimit = 1000
)

// ResumeReport summarizes a Resume pass.
type ResumeReport struct {
	Jobs     int `json:"jobs"`
	Released int `json:"released"`
}

// Resume reconciles jobs left running by a previous process: their claimed items
// go back to pending and their counts are recomputed. Jobs stay running, and no
// workers are started for them until StartJob is called.
//
// Call Resume before Run; a job this engine is already servicing is skipped.
func (e *Engine) Resume(ctx context.Context) (ResumeReport, error) {
	var report ResumeReport
	for offset := 0; ; offset += resumePageSize {
		jobs, _, err := e.store.ListJobs(ctx, store.JobFilter{Status: models.JobStatusRunning, Limit: resumePageSize, Offset: offset})
		if err != nil {
			return report, &EngineError{Op: "resume", Err: err}
		}
		for _, job := range jobs {
			if e.hasRun(job.ID) {
				continue
			}
			released, err := e.store.ReleaseClaims(ctx, job.ID)
			if err != nil {
				return report, &EngineError{Op: "resume", Err: err}
			}
			counts, err := e.store.RecomputeCounts(ctx, job.ID)
			if err != nil {
				return report, &EngineError{Op: "resume", Err: err}
			}
			report.Jobs++
			report.Released += released
			slog.InfoContext(ctx, "job reconciled", "job_id", job.ID, "released", released,
				"pending", counts.Pending, "completed", counts.Completed, "failed", counts.Failed)
		}
		if len(jobs) < resumePageSize {
			break
		}
	}
	if report.Jobs > 0 {
		slog.InfoContext(ctx, "resume finished; running jobs await an explicit start", "jobs", report.Jobs,
			"released", report.Released)
	}
	return report, nil
}

// StaleClaims lists items claimed for longer than olderThan, oldest first.
func (e *Engine) StaleClaims(ctx context.Context, olderThan time.Duration) ([]*models.Item, error) {
	if olderThan <= 0 {
		olderThan = e.cfg.StaleClaimAfter
	}
	items, err := e.store.ListStaleClaims(ctx, time.Now().UTC().Add(-olderThan), staleListLimit)
	if err != nil {
		return nil, &EngineError{Op: "list stale claims", Err: err}
	}
	return items, nil
}

// SweepStaleClaims surfaces claims older than the configured threshold for
// operators. It never changes item state: a stale claim may still belong to a
// live worker on another instance.
func (e *Engine) SweepStaleClaims(ctx context.Context) (int, error) {
	items, err := e.StaleClaims(ctx, e.cfg.StaleClaimAfter)
	if err != nil {
		e.metrics.StoreError("list_stale_claims")
		return 0, err
	}
	e.metrics.SetStaleClaims(len(items))
	for _, it := range items {
		claimedBy := ""
		if it.ClaimedBy != nil {
			claimedBy = *it.ClaimedBy
		}
		slog.WarnContext(ctx, "stale claim", "job_id", it.JobID, "item_id", it.ID, "claimed_by", claimedBy,
			"claimed_at", it.ClaimedAt)
	}
	return len(items), nil
}

// Health is a snapshot of engine capacity.
type Health struct {
	ActiveJobs        int    `json:"active_jobs"`
	TotalJobs         int    `json:"total_jobs"`
	PoolSize          int    `json:"pool_size"`
	BusyWorkers       int    `json:"busy_workers"`
	AvailableCapacity int    `json:"available_capacity"`
	Analyzer          string `json:"analyzer"`
	AnalyzerStatus    string `json:"analyzer_status"`
	Instance          string `json:"instance"`
}

// Health reports pool usage, asks the analyzer whether it is ready and pings the store.
// An unready analyzer is reported in AnalyzerStatus, not as an error.
func (e *Engine) Health(ctx context.Context) (Health, error) {
	e.mu.Lock()
	active := len(e.runs)
	e.mu.Unlock()

	busy := int(e.busy.Load())
	h := Health{
		ActiveJobs:        active,
		PoolSize:          e.cfg.PoolSize,
		BusyWorkers:       busy,
		AvailableCapacity: max(e.cfg.PoolSize-busy, 0),
	}
	h.Instance = e.cfg.InstanceID
	if e.invoker != nil {
		h.Analyzer = e.invoker.Name()
		h.AnalyzerStatus = "ok"
		if err := e.invoker.Ready(ctx); err != nil {
			h.AnalyzerStatus = "degraded"
			slog.WarnContext(ctx, "analyzer not ready", "analyzer", h.Analyzer, "error", err)
		}
	}

	if err := e.store.Ping(ctx); err != nil {
		return h, &EngineError{Op: "store ping", Err: err}
	}
	_, total, err := e.store.ListJobs(ctx, store.JobFilter{Limit: 1})
	if err != nil {
		return h, &EngineError{Op: "count jobs", Err: err}
	}
	h.TotalJobs = total
	return h, nil
}

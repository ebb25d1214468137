package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusCreated   = "created"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Priority is a scheduling hint across jobs sharing one worker pool.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

const DefaultMaxRetries = 3

var priorityNames = map[string]int{
	"low":    PriorityLow,
	"normal": PriorityNormal,
	"high":   PriorityHigh,
}

// ParsePriority accepts "low", "normal" or "high".
func ParsePriority(name string) (int, bool) {
	p, ok := priorityNames[name]
	return p, ok
}

// Counts is the cached aggregate of item statuses for a job.
// It is derived from the items table and never the source of truth.
type Counts struct {
	Total      int `db:"total_items"       json:"total"`
	Pending    int `db:"pending_items"     json:"pending"`
	InProgress int `db:"in_progress_items" json:"in_progress"`
	Completed  int `db:"completed_items"   json:"completed"`
	Failed     int `db:"failed_items"      json:"failed"`
}

// Settled reports whether every item has reached a terminal status.
func (c Counts) Settled() bool {
	return c.Pending == 0 && c.InProgress == 0
}

// ProgressPercentage returns the share of terminal items, rounded to two decimals.
func (c Counts) ProgressPercentage() float64 {
	if c.Total == 0 {
		return 0
	}
	pct := float64(c.Completed+c.Failed) / float64(c.Total) * 100
	return float64(int64(pct*100+0.5)) / 100
}

// Job is a named collection of items sharing one analysis configuration.
type Job struct {
	ID              uuid.UUID      `db:"id"               json:"id"`
	Name            string         `db:"name"             json:"name"`
	Description     string         `db:"description"      json:"description,omitempty"`
	AnalysisKind    string         `db:"analysis_kind"    json:"analysis_kind"`
	AnalysisOptions map[string]any `db:"analysis_options" json:"analysis_options,omitempty"`
	Priority        int            `db:"priority"         json:"priority"`
	MaxRetries      int            `db:"max_retries"      json:"max_retries"`
	TimeoutSeconds  int            `db:"timeout_seconds"  json:"timeout_seconds"`
	Status          string         `db:"status"           json:"status"`
	Counts          Counts         `json:"counts"`
	ErrorMessage    *string        `db:"error_message"    json:"error_message,omitempty"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"       json:"updated_at"`
	StartedAt       *time.Time     `db:"started_at"       json:"started_at,omitempty"`
	FinishedAt      *time.Time     `db:"finished_at"      json:"finished_at,omitempty"`
}

// Timeout returns the per-item analysis timeout, or fallback when unset.
func (j *Job) Timeout(fallback time.Duration) time.Duration {
	if j.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// IsTerminalJobStatus reports whether no further automatic transition occurs from status.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ItemStatusPending   = "pending"
	ItemStatusClaimed   = "claimed"
	ItemStatusCompleted = "completed"
	ItemStatusFailed    = "failed"
)

var itemStatuses = map[string]bool{
	ItemStatusPending:   true,
	ItemStatusClaimed:   true,
	ItemStatusCompleted: true,
	ItemStatusFailed:    true,
}

// IsItemStatus reports whether s names a known item status.
func IsItemStatus(s string) bool {
	return itemStatuses[s]
}

// Item is one unit of work within a job. PayloadRef and Metadata are opaque to the engine.
type Item struct {
	ID           uuid.UUID      `db:"id"            json:"id"`
	JobID        uuid.UUID      `db:"job_id"        json:"job_id"`
	PayloadRef   string         `db:"payload_ref"   json:"payload_ref"`
	Metadata     map[string]any `db:"metadata"      json:"metadata,omitempty"`
	Status       string         `db:"status"        json:"status"`
	AttemptCount int            `db:"attempt_count" json:"attempt_count"`
	LastError    *string        `db:"last_error"    json:"last_error,omitempty"`
	Result       map[string]any `db:"result"        json:"result,omitempty"`
	ClaimedBy    *string        `db:"claimed_by"    json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time     `db:"claimed_at"    json:"claimed_at,omitempty"`
	AvailableAt  time.Time      `db:"available_at"  json:"available_at"`
	ProcessingMs *int64         `db:"processing_ms" json:"processing_ms,omitempty"`
	CreatedAt    time.Time      `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"    json:"updated_at"`
	FinishedAt   *time.Time     `db:"finished_at"   json:"finished_at,omitempty"`
}

// NewItem is the client-supplied part of an item.
type NewItem struct {
	PayloadRef string         `json:"payload_ref"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

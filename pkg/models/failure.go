package models

import (
	"time"

	"github.com/google/uuid"
)

// FailureGroup is a set of failed items whose errors normalize to the same message.
type FailureGroup struct {
	Fingerprint   string      `json:"fingerprint"`
	Message       string      `json:"message"`
	Count         int         `json:"count"`
	FirstSeenAt   *time.Time  `json:"first_seen_at,omitempty"`
	LastSeenAt    *time.Time  `json:"last_seen_at,omitempty"`
	SampleItemIDs []uuid.UUID `json:"sample_item_ids"`
}

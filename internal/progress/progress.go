// Package progress carries job progress notifications from the engine to live subscribers.
package progress

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// Event is emitted on every aggregate change of a job.
type Event struct {
	JobID  uuid.UUID     `json:"job_id"`
	Status string        `json:"status"`
	Counts models.Counts `json:"counts"`
	At     time.Time     `json:"at"`
}

// EventFor builds the event describing the job's current snapshot.
func EventFor(job *models.Job) Event {
	return Event{JobID: job.ID, Status: job.Status, Counts: job.Counts, At: time.Now().UTC()}
}

// Terminal reports whether no further events will follow for the job.
func (e Event) Terminal() bool {
	return models.IsTerminalJobStatus(e.Status)
}

// Publisher never blocks the caller on slow subscribers and never fails it:
// progress is best-effort, the job status query stays authoritative.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Subscriber delivers events for one job until the returned cancel func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID uuid.UUID) (<-chan Event, func(), error)
}

// Bus is both ends of a progress transport.
type Bus interface {
	Publisher
	Subscriber
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

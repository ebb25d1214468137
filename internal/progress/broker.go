package progress

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Broker fans events out to in-process subscribers. It serves a single server
// process; instances sharing a store exchange events through RedisBus.
type Broker struct {
	mu   sync.RWMutex
	subs map[uuid.UUID][]chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uuid.UUID][]chan Event)}
}

// Subscribe returns a channel that receives events for a specific job.
func (b *Broker) Subscribe(_ context.Context, jobID uuid.UUID) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs[jobID] = append(b.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[jobID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[jobID] = append(subscribers[:i:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
		})
	}

	return ch, unsub, nil
}

// Publish sends an event to all subscribers of the job. A full subscriber drops the event.
func (b *Broker) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
			slog.WarnContext(ctx, "progress subscriber full, dropping event", "job_id", e.JobID)
		}
	}
}

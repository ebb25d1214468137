package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/progress"
)

const heartbeatInterval = 15 * time.Second

// NewEventsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/events.
// It streams progress events as server-sent events, starting with the job's
// current state, and ends after a terminal status.
func NewEventsHandler(svc JobService, sub progress.Subscriber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		ctx := r.Context()

		// Subscribe before reading the snapshot so no change falls in between.
		events, unsubscribe, err := sub.Subscribe(ctx, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer unsubscribe()

		st, err := svc.JobStatus(ctx, jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		stream := response.NewEventStream(w)
		send := func(e progress.Event) bool {
			return stream.Send("progress", e) == nil
		}

		first := progress.EventFor(st.Job)
		if !send(first) || first.Terminal() {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if stream.Comment("ping") != nil {
					return
				}
			case e, ok := <-events:
				if !ok {
					slog.DebugContext(ctx, "progress subscription closed", "job_id", jobID)
					return
				}
				if !send(e) || e.Terminal() {
					return
				}
			}
		}
	}
}

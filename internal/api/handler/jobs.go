package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/engine"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const maxBodyBytes = 10 << 20

// JobService defines the engine operations the job handlers depend on.
type JobService interface {
	CreateJob(ctx context.Context, spec engine.JobSpec) (*models.Job, error)
	AddItems(ctx context.Context, jobID uuid.UUID, batch []models.NewItem) ([]uuid.UUID, error)
	JobStatus(ctx context.Context, jobID uuid.UUID) (*engine.JobStatus, error)
	ListJobs(ctx context.Context, status string, limit, offset int) ([]*models.Job, int, error)
	ListItems(ctx context.Context, jobID uuid.UUID, statuses []string, cursor uuid.UUID, limit int) ([]*models.Item, error)
	StartJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	PauseJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	CancelJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

type createJobRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	AnalysisKind    string          `json:"analysis_kind"`
	AnalysisOptions map[string]any  `json:"analysis_options"`
	Priority        json.RawMessage `json:"priority"`
	MaxRetries      *int            `json:"max_retries"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
}

// parsePriority accepts a priority name or its ordinal; absent means normal.
func parsePriority(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.PriorityNormal, true
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return models.ParsePriority(strings.ToLower(name))
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n >= models.PriorityLow && n <= models.PriorityHigh
	}
	return 0, false
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if !decodeBody(w, r, &req) {
			return
		}
		priority, ok := parsePriority(req.Priority)
		if !ok {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"priority must be low, normal or high", map[string]string{"field": "priority"})
			return
		}

		job, err := svc.CreateJob(r.Context(), engine.JobSpec{
			Name:            req.Name,
			Description:     req.Description,
			AnalysisKind:    req.AnalysisKind,
			AnalysisOptions: req.AnalysisOptions,
			Priority:        priority,
			MaxRetries:      req.MaxRetries,
			TimeoutSeconds:  req.TimeoutSeconds,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, ok := queryLimit(w, q.Get("limit"))
		if !ok {
			return
		}
		offset, ok := queryInt(w, q.Get("offset"), "offset", 0)
		if !ok {
			return
		}

		jobs, total, err := svc.ListJobs(r.Context(), q.Get("status"), limit, offset)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Collection(w, jobs, response.OffsetMeta(offset, limit, len(jobs), total))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		st, err := svc.JobStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, st)
	}
}

type addItemsRequest struct {
	Items []models.NewItem `json:"items"`
}

type addItemsResponse struct {
	JobID   uuid.UUID   `json:"job_id"`
	ItemIDs []uuid.UUID `json:"item_ids"`
	Count   int         `json:"count"`
}

// NewAddItemsHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/items.
func NewAddItemsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		var req addItemsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ids, err := svc.AddItems(r.Context(), jobID, req.Items)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, addItemsResponse{JobID: jobID, ItemIDs: ids, Count: len(ids)})
	}
}

// NewListItemsHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/items.
// status may be repeated or comma separated.
func NewListItemsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		limit, ok := queryLimit(w, q.Get("limit"))
		if !ok {
			return
		}
		cursor := uuid.Nil
		if c := q.Get("cursor"); c != "" {
			parsed, err := uuid.Parse(c)
			if err != nil {
				badRequest(w, "cursor must be an item id")
				return
			}
			cursor = parsed
		}

		items, err := svc.ListItems(r.Context(), jobID, splitList(q["status"]), cursor, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		meta := response.CursorMeta{Limit: limit}
		if len(items) > 0 && len(items) == limit {
			meta.NextCursor = items[len(items)-1].ID.String()
		}
		response.Cursor(w, items, meta)
	}
}

// NewStartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/start.
func NewStartJobHandler(svc JobService) http.HandlerFunc {
	return controlHandler(svc.StartJob)
}

// NewPauseJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/pause.
// It responds once in-flight items of the job have drained.
func NewPauseJobHandler(svc JobService) http.HandlerFunc {
	return controlHandler(svc.PauseJob)
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return controlHandler(svc.CancelJob)
}

func controlHandler(op func(context.Context, uuid.UUID) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := op(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// --- request helpers ---

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, "jobID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "Invalid JSON body")
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, raw, name string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(w, name+" must be an integer")
		return 0, false
	}
	return n, true
}

// queryLimit parses a page size. Absent or zero means the engine default, so the
// limit echoed in meta is the one applied.
func queryLimit(w http.ResponseWriter, raw string) (int, bool) {
	n, ok := queryInt(w, raw, "limit", engine.DefaultPageLimit)
	if ok && n == 0 {
		n = engine.DefaultPageLimit
	}
	return n, ok
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

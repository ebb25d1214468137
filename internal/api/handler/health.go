package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/engine"
)

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks database and cache connectivity.
func NewHealthHandler(db, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// HealthReporter reports the batch engine's capacity.
type HealthReporter interface {
	Health(ctx context.Context) (engine.Health, error)
}

type batchHealth struct {
	Status string `json:"status"`
	engine.Health
	Cache string `json:"cache"`
}

// NewBatchHealthHandler returns an http.HandlerFunc for GET /api/v1/batch/health.
func NewBatchHealthHandler(eng HealthReporter, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := eng.Health(r.Context())
		body := batchHealth{Status: "ok", Health: h, Cache: "ok"}
		if err != nil || h.AnalyzerStatus == "degraded" {
			body.Status = "degraded"
		}
		if perr := cache.Ping(r.Context()); perr != nil {
			body.Cache = "degraded"
			body.Status = "degraded"
		}
		if body.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"Batch engine degraded", body)
			return
		}
		response.JSON(w, body)
	}
}

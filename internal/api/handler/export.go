package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/export"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// ExportStatusTrailer reports whether a streamed export finished: "ok" or "error: <reason>".
const ExportStatusTrailer = "X-Export-Status"

// Exporter streams a job's items in an export format.
type Exporter interface {
	Validate(ctx context.Context, req models.ExportRequest) (models.ExportRequest, error)
	Export(ctx context.Context, req models.ExportRequest, w io.Writer) (int, error)
}

// ExportStore persists exports for later download.
type ExportStore interface {
	Persist(ctx context.Context, req models.ExportRequest) (*models.ExportFile, error)
	Open(ctx context.Context, filename string) (*os.File, *models.ExportFile, error)
}

type exportRequest struct {
	Format          string   `json:"format"`
	IncludeMetadata bool     `json:"include_metadata"`
	FilterStatus    []string `json:"filter_status"`
}

// NewExportHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/export.
// With ?persist=true the export is written to disk and a download link returned;
// otherwise the export is the response body and its outcome is sent in the
// X-Export-Status trailer, since failures can occur after the status line is sent.
func NewExportHandler(x Exporter, files ExportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		var body exportRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Format == "" {
			body.Format = models.ExportFormatJSONL
		}
		req := models.ExportRequest{
			JobID:           jobID,
			Format:          body.Format,
			IncludeMetadata: body.IncludeMetadata,
			FilterStatus:    body.FilterStatus,
		}

		persist, _ := strconv.ParseBool(r.URL.Query().Get("persist"))
		if persist {
			if files == nil {
				response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Persisted exports are disabled", nil)
				return
			}
			file, err := files.Persist(r.Context(), req)
			if err != nil {
				writeExportError(w, r, err)
				return
			}
			response.Created(w, file)
			return
		}

		req, err := x.Validate(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		// Large exports outlive the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		h := w.Header()
		h.Set("Content-Type", export.ContentType(req.Format))
		h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, jobID, req.Format))
		h.Set("Trailer", ExportStatusTrailer)
		w.WriteHeader(http.StatusOK)

		rows, err := x.Export(r.Context(), req, w)
		if err != nil {
			slog.ErrorContext(r.Context(), "streamed export failed", "job_id", jobID, "format", req.Format,
				"rows", rows, "error", err)
			h.Set(ExportStatusTrailer, "error: "+err.Error())
			return
		}
		h.Set(ExportStatusTrailer, "ok")
	}
}

func writeExportError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, export.ErrIncompleteExport) {
		slog.ErrorContext(r.Context(), "export failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "EXPORT_INCOMPLETE", err.Error(), nil)
		return
	}
	writeError(w, r, err)
}

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/downloads/{filename}.
func NewDownloadHandler(files ExportStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "filename")
		f, manifest, err := files.Open(r.Context(), name)
		if err != nil {
			if errors.Is(err, export.ErrExportNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Export not found or expired", nil)
				return
			}
			writeError(w, r, err)
			return
		}
		defer f.Close()

		w.Header().Set("Content-Type", export.ContentType(manifest.Format))
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, manifest.Filename))
		http.ServeContent(w, r, manifest.Filename, manifest.CreatedAt, f)
	}
}

// Package export streams a job's items out in jsonl, csv, parquet or xlsx.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/metrics"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const defaultPageSize = 1000

// ItemSource is the part of the store an export reads.
type ItemSource interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListItems(ctx context.Context, filter store.ItemFilter) ([]*models.Item, error)
}

// Exporter reads items page by page in id order and never holds more than one
// page in memory (xlsx buffers its sheet on disk).
type Exporter struct {
	items    ItemSource
	pageSize int
	metrics  *metrics.Metrics
}

type Option func(*Exporter)

// WithPageSize sets how many items are read from the store per query.
func WithPageSize(n int) Option {
	return func(x *Exporter) {
		if n > 0 {
			x.pageSize = n
		}
	}
}

func NewExporter(items ItemSource, m *metrics.Metrics, opts ...Option) *Exporter {
	x := &Exporter{items: items, pageSize: defaultPageSize, metrics: m}
	for _, o := range opts {
		o(x)
	}
	return x
}

var contentTypes = map[string]string{
	models.ExportFormatJSONL:   "application/x-ndjson",
	models.ExportFormatCSV:     "text/csv; charset=utf-8",
	models.ExportFormatParquet: "application/vnd.apache.parquet",
	models.ExportFormatXLSX:    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// ContentType returns the MIME type for format.
func ContentType(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Validate checks req and returns it normalized: the status filter defaults to
// completed items. The job must exist.
func (x *Exporter) Validate(ctx context.Context, req models.ExportRequest) (models.ExportRequest, error) {
	if _, ok := contentTypes[req.Format]; !ok {
		return req, fmt.Errorf("%w: %q", ErrUnknownFormat, req.Format)
	}
	if len(req.FilterStatus) == 0 {
		req.FilterStatus = []string{models.ItemStatusCompleted}
	}
	for _, s := range req.FilterStatus {
		if !models.IsItemStatus(s) {
			return req, fmt.Errorf("%w: unknown item status %q", ErrInvalidFilter, s)
		}
	}
	if _, err := x.items.GetJob(ctx, req.JobID); err != nil {
		return req, err
	}
	return req, nil
}

// Export writes the selected items of a job to w and returns the number of rows.
// A store failure mid-stream returns a *PartialExportError; the bytes already
// written to w are then not a complete export.
func (x *Exporter) Export(ctx context.Context, req models.ExportRequest, w io.Writer) (int, error) {
	req, err := x.Validate(ctx, req)
	if err != nil {
		return 0, err
	}
	rw, err := newRowWriter(req.Format, w, req.IncludeMetadata)
	if err != nil {
		return 0, err
	}

	rows := 0
	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return rows, &PartialExportError{Rows: rows, Err: err}
		}
		page, err := x.items.ListItems(ctx, store.ItemFilter{
			JobID:    req.JobID,
			Statuses: req.FilterStatus,
			After:    after,
			Limit:    x.pageSize,
		})
		if err != nil {
			return rows, &PartialExportError{Rows: rows, Err: err}
		}
		if len(page) == 0 {
			break
		}
		if err := rw.WritePage(page); err != nil {
			return rows, &PartialExportError{Rows: rows, Err: err}
		}
		rows += len(page)
		after = page[len(page)-1].ID
		if len(page) < x.pageSize {
			break
		}
	}

	if err := rw.Close(); err != nil {
		return rows, &PartialExportError{Rows: rows, Err: err}
	}
	x.metrics.ExportRows(req.Format, rows)
	slog.InfoContext(ctx, "export written", "job_id", req.JobID, "format", req.Format, "rows", rows)
	return rows, nil
}

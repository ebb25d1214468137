package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ExportFormatJSONL   = "jsonl"
	ExportFormatCSV     = "csv"
	ExportFormatParquet = "parquet"
	ExportFormatXLSX    = "xlsx"
)

// ExportRequest is transient and never persisted.
type ExportRequest struct {
	JobID           uuid.UUID `json:"job_id"`
	Format          string    `json:"format"`
	IncludeMetadata bool      `json:"include_metadata"`
	FilterStatus    []string  `json:"filter_status,omitempty"`
}

// ExportFile describes an export written to disk for later download.
type ExportFile struct {
	Filename      string    `json:"filename"`
	JobID         uuid.UUID `json:"job_id"`
	Format        string    `json:"format"`
	DownloadURL   string    `json:"download_url"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	ItemCount     int       `json:"item_count"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/cache"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// DownloadPrefix is the URL path persisted exports are served under.
const DownloadPrefix = "/api/v1/downloads/"

// Persister writes exports into a directory for later download. Each file has a
// manifest in the cache that expires with the file; files without a manifest are
// removed by Cleanup.
type Persister struct {
	exporter *Exporter
	cache    cache.Cache
	dir      string
	ttl      time.Duration
	now      func() time.Time
}

func NewPersister(x *Exporter, c cache.Cache, dir string, ttl time.Duration) (*Persister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}
	return &Persister{exporter: x, cache: c, dir: dir, ttl: ttl, now: time.Now}, nil
}

// Persist runs the export into a new file and records its manifest. A failed
// export leaves no file behind.
func (p *Persister) Persist(ctx context.Context, req models.ExportRequest) (*models.ExportFile, error) {
	req, err := p.exporter.Validate(ctx, req)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(p.dir, ".export-*")
	if err != nil {
		return nil, fmt.Errorf("creating export file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	rows, err := p.exporter.Export(ctx, req, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = &PartialExportError{Rows: rows, Err: cerr}
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(tmpName)
	if err != nil {
		return nil, fmt.Errorf("saving export file: %w", err)
	}

	created := p.now().UTC()
	filename := fmt.Sprintf("%s_%s_%s.%s", req.JobID, created.Format("20060102T150405Z"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8], req.Format)
	file := &models.ExportFile{
		Filename:      filename,
		JobID:         req.JobID,
		Format:        req.Format,
		DownloadURL:   DownloadPrefix + filename,
		FileSizeBytes: info.Size(),
		ItemCount:     rows,
		CreatedAt:     created,
		ExpiresAt:     created.Add(p.ttl),
	}
	manifest, err := json.Marshal(file)
	if err != nil {
		return nil, err
	}

	// The manifest goes first: Cleanup removes any visible file that has none.
	key := cache.ExportManifestKey(filename)
	if err := p.cache.Set(ctx, key, manifest, p.ttl); err != nil {
		return nil, fmt.Errorf("recording export manifest: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(p.dir, filename)); err != nil {
		if derr := p.cache.Delete(context.WithoutCancel(ctx), key); derr != nil {
			slog.WarnContext(ctx, "dropping export manifest", "filename", filename, "error", derr)
		}
		return nil, fmt.Errorf("saving export file: %w", err)
	}

	slog.InfoContext(ctx, "export persisted", "job_id", req.JobID, "filename", filename,
		"rows", rows, "bytes", file.FileSizeBytes)
	return file, nil
}

// Open returns a persisted export and its manifest. The caller closes the file.
// A manifest whose file is gone is dropped.
func (p *Persister) Open(ctx context.Context, filename string) (*os.File, *models.ExportFile, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, nil, ErrExportNotFound
	}
	raw, ok, err := p.cache.Get(ctx, cache.ExportManifestKey(filename))
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrExportNotFound
	}
	var file models.ExportFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("decoding export manifest: %w", err)
	}
	f, err := os.Open(filepath.Join(p.dir, filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if derr := p.cache.Delete(ctx, cache.ExportManifestKey(filename)); derr != nil {
				slog.WarnContext(ctx, "dropping stale export manifest", "filename", filename, "error", derr)
			}
			return nil, nil, ErrExportNotFound
		}
		return nil, nil, err
	}
	return f, &file, nil
}

// Cleanup deletes export files whose manifest has expired and returns how many
// were removed. Temp files from interrupted exports are removed once older than
// the TTL.
func (p *Persister) Cleanup(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fmt.Errorf("reading export dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			info, err := e.Info()
			if err != nil || p.now().Sub(info.ModTime()) < p.ttl {
				continue
			}
		} else {
			_, ok, err := p.cache.Get(ctx, cache.ExportManifestKey(name))
			if err != nil {
				return removed, err
			}
			if ok {
				continue
			}
		}
		if err := os.Remove(filepath.Join(p.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "removing expired export", "filename", name, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.InfoContext(ctx, "expired exports removed", "count", removed)
	}
	return removed, nil
}

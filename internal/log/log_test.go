package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/kiranshivaraju/docbatch/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttrsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("job_id", "j1"))
	ctx = log.ContextAttrs(ctx, slog.String("worker_id", "worker-2"))
	logger.InfoContext(ctx, "item claimed", "item_id", "i9")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "item claimed", rec["msg"])
	assert.Equal(t, "j1", rec["job_id"])
	assert.Equal(t, "worker-2", rec["worker_id"])
	assert.Equal(t, "i9", rec["item_id"])
}

func TestContextAttrsDoNotLeakBetweenBranches(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, false).With("component", "engine")

	parent := log.ContextAttrs(context.Background(), slog.String("job_id", "j1"))
	_ = log.ContextAttrs(parent, slog.String("worker_id", "a"))
	logger.InfoContext(parent, "tick")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "j1", rec["job_id"])
	assert.NotContains(t, rec, "worker_id")
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	log.New(&buf, false).Debug("hidden")
	assert.Zero(t, buf.Len())

	log.New(&buf, true).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithEntry(context.Background(), "run-1", 42, "pump-1")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, int64(42), QueueID(ctx))
	assert.Equal(t, "pump-1", ToolID(ctx))
}

func TestContextEmpty(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, RunID(ctx))
	assert.Zero(t, QueueID(ctx))
	assert.Empty(t, ToolID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithEntry(context.Background(), "run-1", 7, "pump-1")
	logger.InfoContext(ctx, "dispatching")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-1", record["run_id"])
	assert.Equal(t, float64(7), record["queue_id"])
	assert.Equal(t, "pump-1", record["tool_id"])
	assert.Equal(t, "dispatching", record["msg"])
}

func TestCorrelationHandlerSkipsEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "idle")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "run_id")
	assert.NotContains(t, record, "queue_id")
	assert.NotContains(t, record, "tool_id")
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithRunID(context.Background(), "run-9")
	LogWith(ctx, logger).Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-9", record["run_id"])
}

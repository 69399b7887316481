package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/internal/engine"
	"github.com/protoq/protoq/internal/resolver"
	"github.com/protoq/protoq/internal/store"
	"github.com/protoq/protoq/internal/streaming"
	"github.com/protoq/protoq/internal/tooldriver"
	"github.com/protoq/protoq/internal/validation"
	"github.com/protoq/protoq/internal/variables"
	"github.com/protoq/protoq/pkg/schema"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()

	registry := tooldriver.NewRegistry()
	require.NoError(t, registry.Register("syringe_pump", "aspirate",
		func(_ context.Context, _ tooldriver.Payload) (*tooldriver.Result, error) {
			return &tooldriver.Result{Code: 0, ReturnReply: "ok"}, nil
		}))

	vars := variables.NewMemoryStore()
	validator, err := validation.NewValidator()
	require.NoError(t, err)
	hub := streaming.NewMemoryHub()

	eng := engine.New(
		store.NewMemoryStore(),
		registry,
		resolver.New(vars),
		vars,
		validator,
		hub,
		slog.Default(),
		engine.Config{PacingDelay: -1},
	)
	t.Cleanup(eng.Shutdown)

	srv := httptest.NewServer(NewServer(Deps{Engine: eng, Hub: hub, Logger: slog.Default()}).Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "body: %s", data)
	}
	return resp, decoded
}

func validRun(name string) *schema.RunRequest {
	return &schema.RunRequest{
		Name: name,
		Commands: []schema.CommandInfo{
			{ToolID: "pump-1", ToolType: "syringe_pump", Command: "aspirate",
				Params: map[string]any{"volume_ul": 100}},
		},
	}
}

func TestEnqueueRunEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/runs", validRun("wash"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	runID, _ := body["id"].(string)
	require.NotEmpty(t, runID)

	// The single command executes and the queue drains.
	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/queue", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		entries, _ := body["entries"].([]any)
		if len(entries) != 1 {
			return false
		}
		entry := entries[0].(map[string]any)
		return entry["status"] == string(schema.EntryStatusCompleted)
	}, 3*time.Second, 10*time.Millisecond)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wash", body["name"])
}

func TestEnqueueRunValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/runs",
		&schema.RunRequest{Name: "empty"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/runs/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestPendingEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/queue/pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}

func TestInvalidQueueIDRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/queue/abc/goto", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestGotoUnknownEntryConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/queue/99/goto", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeQueueConsistency, body["code"])
}

func TestEngineStatusAndStop(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/engine", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(schema.EngineOffline), body["state"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/engine/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	wait, _ := body["wait"].(map[string]any)
	require.NotNil(t, wait)
	assert.Equal(t, string(schema.WaitStop), wait["kind"])

	// Resume lifts the stop notice.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/engine/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["wait"])
}

func TestClearErrorWithoutFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/engine/clear-error", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeConflict, body["code"])
}

func TestSSERunStream(t *testing.T) {
	srv, eng := newTestServer(t)

	// Subscribe to the global stream first, then enqueue so the run's events
	// arrive after the subscription.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sse/events", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	_, err = eng.EnqueueRun(context.Background(), validRun("streamed"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "event: ")
}

func TestClearRunEndpoint(t *testing.T) {
	srv, eng := newTestServer(t)

	run, err := eng.EnqueueRun(context.Background(), validRun("to-clear"))
	require.NoError(t, err)

	// Wait for the queue to drain so clear_run is not rejected mid-dispatch.
	require.Eventually(t, func() bool {
		ids, err := eng.PendingIDs(context.Background())
		return err == nil && len(ids) == 0
	}, 3*time.Second, 10*time.Millisecond)

	resp, body := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/runs/%s", srv.URL, run.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.ID, body["cleared"])
}

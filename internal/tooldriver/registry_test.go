package tooldriver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/pkg/schema"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("syringe_pump", "aspirate", func(_ context.Context, p Payload) (*Result, error) {
		return &Result{Code: 0, ReturnReply: "ok", Metadata: map[string]any{"rate": p.Params["rate"]}}, nil
	}))

	res, err := r.ExecuteCommand(context.Background(), Payload{
		ToolID:   "pump-1",
		ToolType: "syringe_pump",
		Command:  "aspirate",
		Params:   map[string]any{"rate": 2.5},
	})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "ok", res.ReturnReply)
	assert.Equal(t, 2.5, res.Metadata["rate"])
}

func TestRegistryUnknownCommand(t *testing.T) {
	r := NewRegistry()

	_, err := r.ExecuteCommand(context.Background(), Payload{
		ToolType: "syringe_pump",
		Command:  "teleport",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDispatch, schema.ErrorCodeOf(err))
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, Payload) (*Result, error) { return &Result{}, nil }

	require.NoError(t, r.Register("pump", "run", h))
	err := r.Register("pump", "run", h)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCodeOf(err))
}

func TestRegistryEstimator(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, Payload) (*Result, error) { return &Result{}, nil }
	require.NoError(t, r.Register("pump", "run", h))
	r.RegisterEstimator("pump", "run", func(Payload) time.Duration { return 5 * time.Second })

	d, err := r.EstimateDuration(context.Background(), Payload{ToolType: "pump", Command: "run"})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	// No estimator registered: zero, no error.
	d, err = r.EstimateDuration(context.Background(), Payload{ToolType: "pump", Command: "stop"})
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestRegistryCommands(t *testing.T) {
	r := NewRegistry()
	h := func(context.Context, Payload) (*Result, error) { return &Result{}, nil }
	require.NoError(t, r.Register("pump", "run", h))
	require.NoError(t, r.Register("pump", "aspirate", h))
	require.NoError(t, r.Register("shaker", "shake", h))

	assert.Equal(t, []string{"aspirate", "run"}, r.Commands("pump"))
	assert.True(t, r.Has("shaker", "shake"))
	assert.False(t, r.Has("shaker", "run"))
}

func TestHTTPDriverExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tools/pump-1/execute", r.URL.Path)
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "aspirate", p.Command)
		_ = json.NewEncoder(w).Encode(Result{Code: 0, ReturnReply: "done"})
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, nil)
	res, err := d.ExecuteCommand(context.Background(), Payload{ToolID: "pump-1", ToolType: "syringe_pump", Command: "aspirate"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "done", res.ReturnReply)
}

func TestHTTPDriverGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "tool offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, nil)
	_, err := d.ExecuteCommand(context.Background(), Payload{ToolID: "pump-1", Command: "aspirate"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDispatch, schema.ErrorCodeOf(err))
}

func TestHTTPDriverEstimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tools/pump-1/estimate", r.URL.Path)
		_, _ = w.Write([]byte(`{"duration_ms": 1500}`))
	}))
	defer srv.Close()

	d := NewHTTPDriver(srv.URL, nil)
	dur, err := d.EstimateDuration(context.Background(), Payload{ToolID: "pump-1", Command: "aspirate"})
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, dur)
}

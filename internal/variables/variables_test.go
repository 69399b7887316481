package variables

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/pkg/schema"
)

func TestTypedValue(t *testing.T) {
	cases := []struct {
		name string
		v    Variable
		want any
	}{
		{"number", Variable{Value: "2.5", Type: TypeNumber}, 2.5},
		{"integer number", Variable{Value: "42", Type: TypeNumber}, 42.0},
		{"boolean", Variable{Value: "true", Type: TypeBoolean}, true},
		{"string", Variable{Value: "hello", Type: TypeString}, "hello"},
		{"untyped", Variable{Value: "hello"}, "hello"},
		// Coercion is permissive: unparsable values fall back to the raw string.
		{"bad number", Variable{Value: "abc", Type: TypeNumber}, "abc"},
		{"bad boolean", Variable{Value: "maybe", Type: TypeBoolean}, "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.v.TypedValue())
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Register(Variable{ID: "v1", Name: "flow_rate", Value: "2.5", Type: TypeNumber})

	v, err := s.Get(ctx, "flow_rate")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v.TypedValue())

	require.NoError(t, s.Set(ctx, "v1", 3.0))
	v, err = s.Get(ctx, "flow_rate")
	require.NoError(t, err)
	assert.Equal(t, "3", v.Value)

	_, err = s.Get(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedVar, schema.ErrorCodeOf(err))

	err = s.Set(ctx, "missing-id", 1)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedVar, schema.ErrorCodeOf(err))
}

func TestHTTPStoreGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/variables/flow_rate":
			_ = json.NewEncoder(w).Encode(Variable{ID: "v1", Name: "flow_rate", Value: "2.5", Type: TypeNumber})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, nil)
	v, err := s.Get(context.Background(), "flow_rate")
	require.NoError(t, err)
	assert.Equal(t, "v1", v.ID)
	assert.Equal(t, 2.5, v.TypedValue())

	_, err = s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedVar, schema.ErrorCodeOf(err))
}

func TestHTTPStoreSet(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, nil)
	require.NoError(t, s.Set(context.Background(), "v1", 3.5))
	assert.Equal(t, "/variables/v1", gotPath)
	assert.Equal(t, 3.5, gotBody["value"])
}

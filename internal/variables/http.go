package variables

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/protoq/protoq/pkg/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPStore talks to the variable service over HTTP.
//
//	GET {base}/variables/{name}   -> Variable JSON
//	PUT {base}/variables/{id}     <- {"value": <any>}
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore creates a client for the variable service at baseURL.
// A nil httpClient falls back to a default with a 10s timeout.
func NewHTTPStore(baseURL string, httpClient *http.Client) *HTTPStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

func (s *HTTPStore) Get(ctx context.Context, name string) (*Variable, error) {
	endpoint := fmt.Sprintf("%s/variables/%s", s.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "build variable request").WithCause(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "variable service unreachable: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar, "variable %q not found", name)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"variable service returned %d for %q: %s", resp.StatusCode, name, strings.TrimSpace(string(body)))
	}

	v := &Variable{}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode variable response").WithCause(err)
	}
	return v, nil
}

func (s *HTTPStore) Set(ctx context.Context, id string, value any) error {
	payload, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal variable update").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/variables/%s", s.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "build variable update").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "variable service unreachable: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return schema.NewErrorf(schema.ErrCodeUnresolvedVar, "variable id %q not found", id)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return schema.NewErrorf(schema.ErrCodeStore, "variable service returned %d updating %q", resp.StatusCode, id)
	}
	return nil
}

var _ Store = (*HTTPStore)(nil)

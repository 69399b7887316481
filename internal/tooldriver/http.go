package tooldriver

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

const defaultExecuteTimeout = 0 // instrument commands can run for hours

// HTTPDriver dispatches commands to an external driver gateway over HTTP.
//
//	POST {base}/tools/{id}/execute   <- Payload,  -> Result
//	POST {base}/tools/{id}/estimate  <- Payload,  -> {"duration_ms": n}
//	PUT  {base}/tools/{id}/config    <- settings
//	GET  {base}/tools/{id}/status    -> status map
type HTTPDriver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDriver creates a gateway client. A nil httpClient falls back to a
// default with no timeout; command execution is bounded by ctx instead.
func NewHTTPDriver(baseURL string, httpClient *http.Client) *HTTPDriver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultExecuteTimeout}
	}
	return &HTTPDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

func (d *HTTPDriver) ExecuteCommand(ctx context.Context, p Payload) (*Result, error) {
	res := &Result{}
	if err := d.post(ctx, d.toolURL(p.ToolID, "execute"), p, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *HTTPDriver) EstimateDuration(ctx context.Context, p Payload) (time.Duration, error) {
	var out struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := d.post(ctx, d.toolURL(p.ToolID, "estimate"), p, &out); err != nil {
		return 0, err
	}
	return time.Duration(out.DurationMS) * time.Millisecond, nil
}

func (d *HTTPDriver) Configure(ctx context.Context, toolID string, settings map[string]any) error {
	body, err := json.Marshal(settings)
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "marshal settings").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.toolURL(toolID, "config"), bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "build config request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return dispatchErr(toolID, err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.NewErrorf(schema.ErrCodeDispatch, "driver gateway returned %d configuring tool %q", resp.StatusCode, toolID)
	}
	return nil
}

func (d *HTTPDriver) Status(ctx context.Context, toolID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.toolURL(toolID, "status"), nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "build status request").WithCause(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, dispatchErr(toolID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "driver gateway returned %d for tool %q status", resp.StatusCode, toolID)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "decode status response").WithCause(err)
	}
	return status, nil
}

func (d *HTTPDriver) toolURL(toolID, action string) string {
	return fmt.Sprintf("%s/tools/%s/%s", d.baseURL, url.PathEscape(toolID), action)
}

func (d *HTTPDriver) post(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "marshal payload").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDispatch, "driver gateway unreachable: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return schema.NewErrorf(schema.ErrCodeDispatch,
			"driver gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return schema.NewError(schema.ErrCodeDispatch, "decode gateway response").WithCause(err)
		}
	}
	return nil
}

func dispatchErr(toolID string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeDispatch, "driver gateway unreachable for tool %q: %s", toolID, err.Error()).WithCause(err)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// Package tooldriver dispatches instrument commands to tool drivers. The
// orchestrator hands each non-control queue entry to a Driver and interprets
// the result code to decide completion or failure.
package tooldriver

import (
	"context"
	"time"
)

// Payload is one command dispatched to a tool driver.
type Payload struct {
	ToolID   string         `json:"tool_id"`
	ToolType string         `json:"tool_type"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
}

// Result is the driver's reply. Code zero means success. A non-zero code with
// ReturnReply set means the instrument answered and the caller interprets the
// reply; a non-zero code without one marks the command failed with
// ErrorMessage as the cause.
type Result struct {
	Code         int            `json:"code"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ReturnReply  string         `json:"return_reply,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// OK reports whether the command succeeded.
func (r *Result) OK() bool { return r != nil && r.Code == 0 }

// Driver executes instrument commands. Implementations must be safe for
// concurrent use; the orchestrator serializes dispatches but status queries
// arrive from API handlers at any time.
type Driver interface {
	// ExecuteCommand runs the command to completion and returns its result.
	// A non-nil error means the command could not be dispatched at all; a
	// result with a non-zero code means the instrument rejected or aborted it.
	ExecuteCommand(ctx context.Context, p Payload) (*Result, error)

	// EstimateDuration predicts how long the command will take. Drivers
	// without a model return zero.
	EstimateDuration(ctx context.Context, p Payload) (time.Duration, error)

	// Configure pushes driver-level settings to a tool.
	Configure(ctx context.Context, toolID string, settings map[string]any) error

	// Status reports the tool's current state.
	Status(ctx context.Context, toolID string) (map[string]any, error)
}

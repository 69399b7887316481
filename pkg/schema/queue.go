package schema

import "time"

// EntryStatus is the lifecycle status of a single queued command.
type EntryStatus string

const (
	EntryStatusCreated   EntryStatus = "created"
	EntryStatusStarted   EntryStatus = "started"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusSkipped   EntryStatus = "skipped"
	EntryStatusFailed    EntryStatus = "failed"
)

// RunStatus is the lifecycle status of a run (one protocol expansion).
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusStarted   RunStatus = "started"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// EngineState is the global state of the execution orchestrator.
type EngineState string

const (
	EngineOffline EngineState = "offline"
	EngineReady   EngineState = "ready"
	EngineBusy    EngineState = "busy"
	EngineFailed  EngineState = "failed"
)

// ControlToolID is the reserved tool identifier for in-band control commands.
// Entries targeting it are handled by the orchestrator itself and never reach
// an instrument driver.
const ControlToolID = "control"

// Control command names (wire-level contract with protocol authors).
const (
	ControlPause        = "pause"
	ControlUserForm     = "user_form"
	ControlShowMessage  = "show_message"
	ControlTimer        = "timer"
	ControlNote         = "note"
	ControlStopRun      = "stop_run"
	ControlGoto         = "goto"
	ControlVarAssign    = "variable_assignment"
)

// AdvancedParams carries optional execution modifiers for a command.
type AdvancedParams struct {
	// SkipVariable names a variable checked before dispatch. When its value
	// equals SkipValue (itself possibly a {{name}} reference), the entry is
	// marked skipped instead of being dispatched.
	SkipVariable string `json:"skip_execution_variable,omitempty"`
	SkipValue    string `json:"skip_execution_value,omitempty"`
}

// CommandInfo is the payload of a queued command.
type CommandInfo struct {
	ToolID   string          `json:"tool_id"`
	ToolType string          `json:"tool_type"`
	Command  string          `json:"command"`
	Params   map[string]any  `json:"params,omitempty"`
	Advanced *AdvancedParams `json:"advanced,omitempty"`
}

// QueueEntry is one instrument command awaiting or having completed execution.
// QueueID is assigned once at first persistence and never reused, even after
// completed entries are cleared. RunID never changes after creation.
type QueueEntry struct {
	QueueID     int64       `json:"queue_id"`
	RunID       string      `json:"run_id"`
	Command     CommandInfo `json:"command_info"`
	Status      EntryStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	SkippedAt   *time.Time  `json:"skipped_at,omitempty"`
	FailedAt    *time.Time  `json:"failed_at,omitempty"`
}

// Run groups the queue entries created together from one protocol expansion.
type Run struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	CommandsCount int               `json:"commands_count"`
	Status        RunStatus         `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

// RunRequest is a protocol expansion submitted for execution: a flat list of
// commands plus run metadata. RunID may be supplied by the caller; when empty
// the server assigns one.
type RunRequest struct {
	RunID    string            `json:"run_id,omitempty"`
	Name     string            `json:"name,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	Commands []CommandInfo     `json:"commands"`
}

// WaitKind discriminates what the UI must show while the orchestrator waits.
type WaitKind string

const (
	WaitPause       WaitKind = "pause"
	WaitShowMessage WaitKind = "message"
	WaitTimer       WaitKind = "timer"
	WaitStop        WaitKind = "stop"
	WaitUserForm    WaitKind = "user_form"
)

// WaitMessage describes the current wait state of the orchestrator.
type WaitMessage struct {
	Kind      WaitKind   `json:"kind"`
	Title     string     `json:"title,omitempty"`
	Text      string     `json:"text,omitempty"`
	FormName  string     `json:"form_name,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndsAt    *time.Time `json:"ends_at,omitempty"` // timers only
}

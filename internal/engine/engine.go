// Package engine runs the command execution queue: it pulls pending entries
// from the store one at a time, resolves their parameters, dispatches them to
// a tool driver, and reacts to in-band control commands. All collaborators
// are injected; the engine owns no globals.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protoq/protoq/internal/logging"
	"github.com/protoq/protoq/internal/resolver"
	"github.com/protoq/protoq/internal/store"
	"github.com/protoq/protoq/internal/streaming"
	"github.com/protoq/protoq/internal/tooldriver"
	"github.com/protoq/protoq/internal/validation"
	"github.com/protoq/protoq/internal/variables"
	"github.com/protoq/protoq/pkg/schema"
)

const defaultPacingDelay = 300 * time.Millisecond

// validEngineTransitions defines the allowed orchestrator state transitions.
var validEngineTransitions = map[schema.EngineState][]schema.EngineState{
	schema.EngineOffline: {schema.EngineReady, schema.EngineBusy},
	schema.EngineReady:   {schema.EngineBusy, schema.EngineOffline, schema.EngineFailed},
	schema.EngineBusy:    {schema.EngineReady, schema.EngineOffline, schema.EngineFailed},
	schema.EngineFailed:  {schema.EngineReady, schema.EngineOffline},
}

// Config tunes engine behavior.
type Config struct {
	// PacingDelay is the gap between consecutive dispatches. Zero means the
	// default of 300ms; negative disables pacing (tests).
	PacingDelay time.Duration
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	State     schema.EngineState  `json:"state"`
	Wait      *schema.WaitMessage `json:"wait,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// Engine is the execution orchestrator. One engine drives one queue.
type Engine struct {
	queue     store.QueueStore
	driver    tooldriver.Driver
	resolver  *resolver.Resolver
	vars      variables.Store
	validator *validation.Validator
	hub       streaming.EventHub
	logger    *slog.Logger
	pacing    time.Duration

	mu        sync.Mutex
	state     schema.EngineState
	waiting   *schema.WaitMessage
	lastError string
	waitTimer *time.Timer

	running  bool
	stopping bool
	resumeCh chan struct{}
	stopCh   chan struct{}
	baseCtx  context.Context

	controls map[string]controlHandler
}

// New wires an Engine from its collaborators.
func New(
	queue store.QueueStore,
	driver tooldriver.Driver,
	res *resolver.Resolver,
	vars variables.Store,
	validator *validation.Validator,
	hub streaming.EventHub,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	pacing := cfg.PacingDelay
	if pacing == 0 {
		pacing = defaultPacingDelay
	}
	if pacing < 0 {
		pacing = 0
	}
	e := &Engine{
		queue:     queue,
		driver:    driver,
		resolver:  res,
		vars:      vars,
		validator: validator,
		hub:       hub,
		logger:    logger,
		pacing:    pacing,
		state:     schema.EngineOffline,
		resumeCh:  make(chan struct{}, 1),
		baseCtx:   context.Background(),
	}
	e.controls = e.controlHandlers()
	return e
}

// Start records the lifetime context and begins executing if entries are
// already pending (recovery after restart).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	pending, err := e.queue.PendingIDs(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		e.ensureLoop()
	}
	return nil
}

// Shutdown stops the execution loop without touching queue state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLoopLocked()
}

// Snapshot returns the current orchestrator status.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{State: e.state, LastError: e.lastError}
	if e.waiting != nil {
		w := *e.waiting
		st.Wait = &w
	}
	return st
}

// EnqueueRun validates a run request, persists the run record and every
// command, and starts execution when the engine is idle. Run metadata is
// written before the first entry so readers never observe orphan entries.
func (e *Engine) EnqueueRun(ctx context.Context, req *schema.RunRequest) (*schema.Run, error) {
	if err := e.validator.ValidateRun(req); err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	ctx = logging.WithRunID(ctx, runID)

	run := &schema.Run{
		ID:            runID,
		Name:          req.Name,
		Params:        req.Params,
		CommandsCount: len(req.Commands),
		Status:        schema.RunStatusCreated,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.queue.PushRun(ctx, run); err != nil {
		return nil, err
	}
	for _, cmd := range req.Commands {
		entry := &schema.QueueEntry{RunID: runID, Command: cmd}
		if _, err := e.queue.Push(ctx, entry); err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "run enqueued", "commands", len(req.Commands), "name", req.Name)
	e.publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		EventType: schema.EventRunEnqueued,
		Payload:   map[string]any{"commands_count": len(req.Commands), "name": req.Name},
	})

	e.ensureLoop()
	return run, nil
}

// Resume clears the current wait state and continues execution. When the
// engine is failed, resuming clears the error and replays the failed entry.
// Resuming an engine that is not waiting is a no-op. autoResumed marks
// resumptions triggered by timer expiry rather than an operator.
func (e *Engine) Resume(ctx context.Context, autoResumed bool) error {
	e.mu.Lock()

	if e.waiting == nil && e.state != schema.EngineFailed {
		e.mu.Unlock()
		return nil
	}

	resolved := e.waiting
	e.waiting = nil
	if e.waitTimer != nil {
		e.waitTimer.Stop()
		e.waitTimer = nil
	}
	if e.state == schema.EngineFailed {
		e.lastError = ""
		e.setStateLocked(ctx, schema.EngineReady)
	}
	e.mu.Unlock()

	if resolved != nil {
		e.publish(ctx, streaming.StreamEvent{
			EventType: schema.EventWaitResolved,
			Payload:   map[string]any{"kind": resolved.Kind, "auto_resumed": autoResumed},
		})
	}
	e.logger.InfoContext(ctx, "execution resumed", "auto", autoResumed)

	e.ensureLoop()
	e.signalResume()
	return nil
}

// Stop halts execution immediately. The current wait, if any, is replaced by
// a stop notice so operators see why the queue went quiet. Pending entries
// stay queued; Resume restarts from the head.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopLoopLocked()
	if e.waitTimer != nil {
		e.waitTimer.Stop()
		e.waitTimer = nil
	}
	e.waiting = &schema.WaitMessage{
		Kind:      schema.WaitStop,
		Title:     "Execution stopped",
		Text:      "Execution was stopped by an operator.",
		StartedAt: time.Now().UTC(),
	}
	err := e.setStateLocked(ctx, schema.EngineOffline)
	e.mu.Unlock()

	e.publish(ctx, streaming.StreamEvent{
		EventType: schema.EventWaitEntered,
		Payload:   map[string]any{"kind": schema.WaitStop},
	})
	e.logger.InfoContext(ctx, "execution stopped by operator")
	return err
}

// Fail forces the engine into the failed state with the given cause. Used by
// operators and supervisors to halt a misbehaving queue.
func (e *Engine) Fail(ctx context.Context, cause string) error {
	e.enterFailed(ctx, cause)
	return nil
}

// ClearError clears a recorded failure and returns the engine to ready,
// replaying the failed entry. Errors with CONFLICT when the engine is not
// failed.
func (e *Engine) ClearError(ctx context.Context) error {
	e.mu.Lock()
	if e.state != schema.EngineFailed {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "engine is %s, no error to clear", e.state)
	}
	e.lastError = ""
	e.setStateLocked(ctx, schema.EngineReady)
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "error cleared, resuming execution")
	e.ensureLoop()
	e.signalResume()
	return nil
}

// --- Queue operations exposed to the API layer ---
// Skips and jumps go straight to the store whether or not the loop is
// running; the store serializes them against the executing entry. Bulk
// clears are still rejected mid-flight.

func (e *Engine) Skip(ctx context.Context, queueID int64) error {
	return e.queue.Skip(ctx, queueID)
}

func (e *Engine) SkipUntil(ctx context.Context, queueID int64) error {
	return e.queue.SkipUntil(ctx, queueID)
}

func (e *Engine) GotoCommand(ctx context.Context, queueID int64) error {
	return e.queue.GotoCommand(ctx, queueID)
}

func (e *Engine) GotoRunIndex(ctx context.Context, runID string, index int) error {
	return e.queue.GotoRunIndex(ctx, runID, index)
}

func (e *Engine) ClearCompleted(ctx context.Context) error {
	return e.queue.ClearCompleted(ctx)
}

func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.requireIdle("clear_all"); err != nil {
		return err
	}
	return e.queue.ClearAll(ctx)
}

func (e *Engine) ClearRun(ctx context.Context, runID string) error {
	if err := e.requireIdle("clear_run"); err != nil {
		return err
	}
	if err := e.queue.ClearRun(ctx, runID); err != nil {
		return err
	}
	e.publish(ctx, streaming.StreamEvent{RunID: runID, EventType: schema.EventRunCleared})
	return nil
}

func (e *Engine) Entries(ctx context.Context) ([]*schema.QueueEntry, error) {
	return e.queue.All(ctx)
}

func (e *Engine) Page(ctx context.Context, offset, limit int) ([]*schema.QueueEntry, error) {
	return e.queue.Page(ctx, offset, limit)
}

func (e *Engine) PendingIDs(ctx context.Context) ([]int64, error) {
	return e.queue.PendingIDs(ctx)
}

func (e *Engine) Runs(ctx context.Context) ([]*schema.Run, error) {
	return e.queue.Runs(ctx)
}

func (e *Engine) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	return e.queue.GetRun(ctx, runID)
}

// --- State management ---

// requireIdle rejects bulk queue clears while a command is mid-flight.
func (e *Engine) requireIdle(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == schema.EngineBusy {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s rejected: a command is executing", op)
	}
	return nil
}

// setStateLocked transitions the engine state. Caller holds e.mu.
func (e *Engine) setStateLocked(ctx context.Context, to schema.EngineState) error {
	from := e.state
	if from == to {
		return nil
	}
	if !isValidEngineTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid engine transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	e.state = to

	// Publish without holding a consistent-state expectation: the hub drops
	// events for slow subscribers and never blocks.
	e.publish(ctx, streaming.StreamEvent{
		EventType: schema.EventEngineState,
		Payload:   map[string]any{"from": string(from), "to": string(to)},
	})
	return nil
}

func isValidEngineTransition(from, to schema.EngineState) bool {
	for _, a := range validEngineTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// enterFailed records the cause and moves the engine to failed. The loop
// stays alive, blocked until the error is cleared or execution resumed.
func (e *Engine) enterFailed(ctx context.Context, cause string) {
	e.mu.Lock()
	e.lastError = cause
	err := e.setStateLocked(ctx, schema.EngineFailed)
	e.mu.Unlock()

	if err != nil {
		e.logger.ErrorContext(ctx, "cannot enter failed state", "error", err)
		return
	}
	e.logger.ErrorContext(ctx, "engine failed", "cause", cause)
}

func (e *Engine) publish(ctx context.Context, event streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "event publish failed", "event_type", event.EventType, "error", err)
	}
}

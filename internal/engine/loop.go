package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/protoq/protoq/internal/logging"
	"github.com/protoq/protoq/internal/resolver"
	"github.com/protoq/protoq/internal/streaming"
	"github.com/protoq/protoq/internal/tooldriver"
	"github.com/protoq/protoq/pkg/schema"
)

// ensureLoop starts the execution loop if it is not already running.
func (e *Engine) ensureLoop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopping = false
	e.stopCh = make(chan struct{})
	go e.runLoop(e.baseCtx, e.stopCh)
}

// stopLoopLocked requests loop shutdown. Caller holds e.mu.
func (e *Engine) stopLoopLocked() {
	if e.running && !e.stopping {
		e.stopping = true
		close(e.stopCh)
	}
}

// signalResume wakes the loop if it is blocked on a wait state.
func (e *Engine) signalResume() {
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
}

// runLoop executes pending entries one at a time until the queue drains or a
// stop is requested. Wait states and failures park the loop until resumed.
func (e *Engine) runLoop(ctx context.Context, stop <-chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		if !e.awaitRunnable(ctx, stop) {
			return
		}

		entry, err := e.queue.StartNext(ctx)
		if err != nil {
			e.enterFailed(ctx, fmt.Sprintf("cannot read queue head: %s", err.Error()))
			continue
		}
		if entry == nil {
			// Queue drained: the engine goes offline until the next enqueue.
			e.mu.Lock()
			_ = e.setStateLocked(ctx, schema.EngineOffline)
			e.mu.Unlock()
			e.logger.InfoContext(ctx, "queue drained, engine offline")
			return
		}

		e.mu.Lock()
		_ = e.setStateLocked(ctx, schema.EngineBusy)
		e.mu.Unlock()

		e.executeEntry(ctx, entry)

		e.mu.Lock()
		if e.state == schema.EngineBusy {
			_ = e.setStateLocked(ctx, schema.EngineReady)
		}
		e.mu.Unlock()

		if e.pacing > 0 {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(e.pacing):
			}
		}
	}
}

// awaitRunnable blocks while the engine is waiting or failed. Returns false
// when the loop should exit.
func (e *Engine) awaitRunnable(ctx context.Context, stop <-chan struct{}) bool {
	for {
		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			return false
		}
		if e.waiting == nil && e.state != schema.EngineFailed {
			if e.state == schema.EngineOffline {
				_ = e.setStateLocked(ctx, schema.EngineReady)
			}
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()

		select {
		case <-e.resumeCh:
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// executeEntry runs a single queue entry to a terminal status.
func (e *Engine) executeEntry(ctx context.Context, entry *schema.QueueEntry) {
	ctx = logging.WithEntry(ctx, entry.RunID, entry.QueueID, entry.Command.ToolID)

	e.publish(ctx, streaming.StreamEvent{
		RunID:     entry.RunID,
		QueueID:   entry.QueueID,
		EventType: schema.EventEntryStarted,
		Payload:   map[string]any{"command": entry.Command.Command, "tool_id": entry.Command.ToolID},
	})

	// The guard applies to control commands too: a guarded pause or goto is
	// skipped before its handler can run.
	skip, err := e.shouldSkip(ctx, entry)
	if err != nil {
		// Guard resolution failures are recovered locally: the guard is
		// treated as non-matching and the command dispatches normally.
		e.logger.WarnContext(ctx, "skip guard unresolvable, dispatching anyway", "error", err)
		skip = false
	}
	if skip {
		if err := e.queue.Skip(ctx, entry.QueueID); err != nil {
			e.failEntry(ctx, entry, err)
			return
		}
		e.logger.InfoContext(ctx, "entry skipped by guard")
		e.publish(ctx, streaming.StreamEvent{
			RunID: entry.RunID, QueueID: entry.QueueID,
			EventType: schema.EventEntrySkipped,
		})
		return
	}

	if entry.Command.ToolID == schema.ControlToolID {
		e.executeControl(ctx, entry)
		return
	}

	params, err := e.resolver.ResolveParams(ctx, entry.Command.Params)
	if err != nil {
		e.failEntry(ctx, entry, err)
		return
	}

	e.logger.InfoContext(ctx, "dispatching command", "command", entry.Command.Command)
	res, err := e.driver.ExecuteCommand(ctx, tooldriver.Payload{
		ToolID:   entry.Command.ToolID,
		ToolType: entry.Command.ToolType,
		Command:  entry.Command.Command,
		Params:   params,
	})
	if err != nil {
		e.failEntry(ctx, entry, err)
		return
	}
	// A non-zero code with a reply attached means the instrument answered and
	// the caller interprets the reply; only a reply-less non-zero code is a
	// dispatch failure.
	if !res.OK() && res.ReturnReply == "" {
		msg := res.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("command returned code %d", res.Code)
		}
		e.failEntry(ctx, entry, schema.NewError(schema.ErrCodeDispatch, msg).WithEntry(entry.QueueID))
		return
	}

	e.completeEntry(ctx, entry, map[string]any{"reply": res.ReturnReply, "code": res.Code})
}

// shouldSkip evaluates the optional skip guard. The entry is skipped when the
// guard variable's current value equals the (possibly templated) skip value.
// Any resolution failure is a guard error, not a silent pass.
func (e *Engine) shouldSkip(ctx context.Context, entry *schema.QueueEntry) (bool, error) {
	adv := entry.Command.Advanced
	if adv == nil || adv.SkipVariable == "" {
		return false, nil
	}

	guard, err := e.vars.Get(ctx, adv.SkipVariable)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeGuard,
			"skip guard variable %q: %s", adv.SkipVariable, err.Error()).
			WithCause(err).WithEntry(entry.QueueID)
	}

	want := adv.SkipValue
	if resolver.HasTemplate(want) {
		resolved, err := e.resolver.ResolveTemplate(ctx, want)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeGuard,
				"skip guard value %q: %s", adv.SkipValue, err.Error()).
				WithCause(err).WithEntry(entry.QueueID)
		}
		want = fmt.Sprintf("%v", resolved)
	}
	return guard.Value == want, nil
}

// completeEntry marks the entry completed and publishes the event.
func (e *Engine) completeEntry(ctx context.Context, entry *schema.QueueEntry, payload map[string]any) {
	if err := e.queue.Complete(ctx, entry.QueueID); err != nil {
		e.failEntry(ctx, entry, err)
		return
	}
	e.logger.InfoContext(ctx, "command completed", "command", entry.Command.Command)
	e.publish(ctx, streaming.StreamEvent{
		RunID: entry.RunID, QueueID: entry.QueueID,
		EventType: schema.EventEntryCompleted,
		Payload:   payload,
	})
}

// failEntry records the failure on the entry and moves the engine to failed.
// The entry stays at the head of the pending order so it is replayed after
// the error is cleared.
func (e *Engine) failEntry(ctx context.Context, entry *schema.QueueEntry, cause error) {
	if err := e.queue.Fail(ctx, entry.QueueID, cause.Error()); err != nil {
		e.logger.ErrorContext(ctx, "cannot record entry failure", "error", err)
	}
	e.publish(ctx, streaming.StreamEvent{
		RunID: entry.RunID, QueueID: entry.QueueID,
		EventType: schema.EventEntryFailed,
		Payload:   map[string]any{"error": cause.Error()},
	})
	e.enterFailed(ctx, cause.Error())
}

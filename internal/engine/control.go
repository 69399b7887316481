package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/protoq/protoq/internal/streaming"
	"github.com/protoq/protoq/pkg/schema"
)

// controlHandler executes one control command. Handlers own the entry's
// terminal transition.
type controlHandler func(ctx context.Context, entry *schema.QueueEntry, params map[string]any)

// controlHandlers builds the closed dispatch table for control commands.
// Anything not listed here fails at validation time and again here.
func (e *Engine) controlHandlers() map[string]controlHandler {
	return map[string]controlHandler{
		schema.ControlPause:       e.ctlPause,
		schema.ControlShowMessage: e.ctlShowMessage,
		schema.ControlUserForm:    e.ctlUserForm,
		schema.ControlTimer:       e.ctlTimer,
		schema.ControlNote:        e.ctlNote,
		schema.ControlStopRun:     e.ctlStopRun,
		schema.ControlGoto:        e.ctlGoto,
		schema.ControlVarAssign:   e.ctlVarAssign,
	}
}

// executeControl dispatches a control entry to its handler. Message texts may
// carry {{name}} templates, so params are resolved first.
func (e *Engine) executeControl(ctx context.Context, entry *schema.QueueEntry) {
	handler, ok := e.controls[entry.Command.Command]
	if !ok {
		e.failEntry(ctx, entry, schema.NewErrorf(schema.ErrCodeDispatch,
			"unknown control command %q", entry.Command.Command).WithEntry(entry.QueueID))
		return
	}

	params, err := e.resolver.ResolveParams(ctx, entry.Command.Params)
	if err != nil {
		e.failEntry(ctx, entry, err)
		return
	}
	// Validated post-resolution so templated message texts have their final
	// shape when checked.
	if err := e.validator.ValidateControl(entry.Command.Command, params); err != nil {
		e.failEntry(ctx, entry, err)
		return
	}

	e.logger.InfoContext(ctx, "control command", "command", entry.Command.Command)
	handler(ctx, entry, params)
}

func (e *Engine) ctlPause(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	e.completeEntry(ctx, entry, nil)
	e.enterWait(ctx, entry.RunID, &schema.WaitMessage{
		Kind:  schema.WaitPause,
		Title: "Execution paused",
		Text:  stringParam(params, "message", ""),
	}, 0)
}

func (e *Engine) ctlShowMessage(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	e.completeEntry(ctx, entry, nil)
	e.enterWait(ctx, entry.RunID, &schema.WaitMessage{
		Kind:  schema.WaitShowMessage,
		Title: stringParam(params, "title", ""),
		Text:  stringParam(params, "message", ""),
	}, 0)
}

func (e *Engine) ctlUserForm(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	e.completeEntry(ctx, entry, nil)
	e.enterWait(ctx, entry.RunID, &schema.WaitMessage{
		Kind:     schema.WaitUserForm,
		Title:    stringParam(params, "title", ""),
		Text:     stringParam(params, "text", ""),
		FormName: stringParam(params, "form_name", ""),
	}, 0)
}

func (e *Engine) ctlTimer(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	total := floatParam(params, "minutes", 0)*60 + floatParam(params, "seconds", 0)
	if total <= 0 {
		e.failEntry(ctx, entry, schema.NewErrorf(schema.ErrCodeValidation,
			"timer duration must be positive, got minutes=%v seconds=%v",
			params["minutes"], params["seconds"]).WithEntry(entry.QueueID))
		return
	}
	e.completeEntry(ctx, entry, nil)
	e.enterWait(ctx, entry.RunID, &schema.WaitMessage{
		Kind:  schema.WaitTimer,
		Title: "Timer running",
		Text:  stringParam(params, "message", ""),
	}, time.Duration(total*float64(time.Second)))
}

func (e *Engine) ctlNote(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	text := stringParam(params, "text", "")
	e.logger.InfoContext(ctx, "protocol note", "text", text)
	e.completeEntry(ctx, entry, map[string]any{"note": text})
}

func (e *Engine) ctlStopRun(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	e.completeEntry(ctx, entry, nil)

	e.mu.Lock()
	e.stopLoopLocked()
	e.waiting = &schema.WaitMessage{
		Kind:      schema.WaitStop,
		Title:     "Run stopped",
		Text:      stringParam(params, "message", "The protocol requested a stop."),
		StartedAt: time.Now().UTC(),
	}
	_ = e.setStateLocked(ctx, schema.EngineOffline)
	e.mu.Unlock()

	e.publish(ctx, streaming.StreamEvent{
		RunID:     entry.RunID,
		QueueID:   entry.QueueID,
		EventType: schema.EventWaitEntered,
		Payload:   map[string]any{"kind": schema.WaitStop},
	})
	e.logger.InfoContext(ctx, "run stopped by protocol")
}

func (e *Engine) ctlGoto(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	// The goto entry leaves the pending order before the jump so it is not
	// swept into the rearrangement.
	e.completeEntry(ctx, entry, nil)

	var err error
	if queueID := intParam(params, "queue_id", 0); queueID > 0 {
		err = e.queue.GotoCommand(ctx, int64(queueID))
	} else {
		runID := stringParam(params, "run_id", entry.RunID)
		err = e.queue.GotoRunIndex(ctx, runID, intParam(params, "index", 0))
	}
	if err != nil {
		e.enterFailed(ctx, fmt.Sprintf("goto from entry %d: %s", entry.QueueID, err.Error()))
	}
}

func (e *Engine) ctlVarAssign(ctx context.Context, entry *schema.QueueEntry, params map[string]any) {
	name := stringParam(params, "name", "")
	target, err := e.vars.Get(ctx, name)
	if err != nil {
		e.failEntry(ctx, entry, err)
		return
	}

	// Expressions go through the evaluator even without ${} markers, so a bare
	// "2 + 3" assigns 5. Non-string expressions were already resolved to a
	// typed value and are stored as-is.
	var value any = params["expression"]
	if raw, ok := value.(string); ok {
		evaluated, err := e.resolver.Evaluate(ctx, raw)
		if err != nil {
			e.failEntry(ctx, entry, err)
			return
		}
		value = evaluated
	}

	if err := e.vars.Set(ctx, target.ID, value); err != nil {
		e.failEntry(ctx, entry, err)
		return
	}
	e.completeEntry(ctx, entry, map[string]any{"name": name, "value": fmt.Sprintf("%v", value)})
}

// enterWait records the wait state and, for timers, schedules auto-resume.
// The loop parks on the next iteration and stays parked until Resume.
func (e *Engine) enterWait(ctx context.Context, runID string, wm *schema.WaitMessage, autoResume time.Duration) {
	e.mu.Lock()
	wm.StartedAt = time.Now().UTC()
	if autoResume > 0 {
		ends := wm.StartedAt.Add(autoResume)
		wm.EndsAt = &ends
		// Resume checks under the engine lock whether the wait is still
		// current, so a timer firing after a manual resume is a no-op.
		e.waitTimer = time.AfterFunc(autoResume, func() {
			_ = e.Resume(e.baseCtx, true)
		})
	}
	e.waiting = wm
	e.mu.Unlock()

	e.publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		EventType: schema.EventWaitEntered,
		Payload:   wm,
	})
}

// --- Param helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}

package tooldriver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/protoq/protoq/pkg/schema"
)

// Handler executes one (tool type, command) pair.
type Handler func(ctx context.Context, p Payload) (*Result, error)

// Estimator predicts the duration of one (tool type, command) pair.
type Estimator func(p Payload) time.Duration

type handlerKey struct {
	toolType string
	command  string
}

// Registry is a Driver backed by an explicit handler table. Every supported
// (tool type, command) pair is registered at startup; dispatching anything
// else is a dispatch error, never a silent no-op.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[handlerKey]Handler
	estimators map[handlerKey]Estimator
	settings   map[string]map[string]any
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:   make(map[handlerKey]Handler),
		estimators: make(map[handlerKey]Estimator),
		settings:   make(map[string]map[string]any),
	}
}

// Register adds a handler for the (toolType, command) pair. Returns an error
// on duplicate registration.
func (r *Registry) Register(toolType, command string, h Handler) error {
	if toolType == "" || command == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool type and command are required")
	}
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := handlerKey{toolType, command}
	if _, exists := r.handlers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %s/%s already registered", toolType, command)
	}
	r.handlers[key] = h
	return nil
}

// RegisterEstimator attaches a duration model to a registered pair.
func (r *Registry) RegisterEstimator(toolType, command string, e Estimator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[handlerKey{toolType, command}] = e
}

// Has reports whether a handler exists for the pair.
func (r *Registry) Has(toolType, command string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[handlerKey{toolType, command}]
	return ok
}

// Commands lists registered commands for a tool type, sorted.
func (r *Registry) Commands(toolType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for key := range r.handlers {
		if key.toolType == toolType {
			out = append(out, key.command)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ExecuteCommand(ctx context.Context, p Payload) (*Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[handlerKey{p.ToolType, p.Command}]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch,
			"no handler for tool type %q command %q", p.ToolType, p.Command).
			WithDetails(map[string]any{"tool_id": p.ToolID, "tool_type": p.ToolType, "command": p.Command})
	}
	return h(ctx, p)
}

func (r *Registry) EstimateDuration(_ context.Context, p Payload) (time.Duration, error) {
	r.mu.RLock()
	e, ok := r.estimators[handlerKey{p.ToolType, p.Command}]
	r.mu.RUnlock()

	if !ok {
		return 0, nil
	}
	return e(p), nil
}

func (r *Registry) Configure(_ context.Context, toolID string, settings map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[toolID] = settings
	return nil
}

func (r *Registry) Status(_ context.Context, toolID string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := map[string]any{"tool_id": toolID, "online": true}
	if s, ok := r.settings[toolID]; ok {
		status["settings"] = s
	}
	return status, nil
}

var _ Driver = (*Registry)(nil)

package variables

import (
	"context"
	"fmt"
	"sync"

	"github.com/protoq/protoq/pkg/schema"
)

// MemoryStore is an in-memory variable store for tests and standalone mode.
type MemoryStore struct {
	mu     sync.RWMutex
	byName map[string]*Variable
	byID   map[string]*Variable
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byName: make(map[string]*Variable),
		byID:   make(map[string]*Variable),
	}
}

// Register adds or replaces a variable. An empty ID defaults to the name.
func (s *MemoryStore) Register(v Variable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = v.Name
	}
	if v.Type == "" {
		v.Type = TypeString
	}
	cp := v
	s.byName[v.Name] = &cp
	s.byID[v.ID] = &cp
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.byName[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedVar, "variable %q not found", name)
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, id string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.byID[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnresolvedVar, "variable id %q not found", id)
	}
	v.Value = fmt.Sprintf("%v", value)
	return nil
}

var _ Store = (*MemoryStore)(nil)

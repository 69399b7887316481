package store

import (
	"context"
	"sync"
	"time"

	"github.com/protoq/protoq/pkg/schema"
)

// MemoryStore is an in-memory QueueStore for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*schema.QueueEntry
	pending []int64
	runs    map[string]*schema.Run
	runIDs  []string // insertion order
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]*schema.QueueEntry),
		runs:    make(map[string]*schema.Run),
	}
}

func (s *MemoryStore) Push(_ context.Context, entry *schema.QueueEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.QueueID == 0 {
		s.nextID++
		entry.QueueID = s.nextID
	} else if entry.QueueID > s.nextID {
		s.nextID = entry.QueueID
	}
	if entry.Status == "" {
		entry.Status = schema.EntryStatusCreated
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	stored := *entry
	s.entries[entry.QueueID] = &stored
	s.pending = append(s.pending, entry.QueueID)
	return entry.QueueID, nil
}

func (s *MemoryStore) PushRun(_ context.Context, run *schema.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.runs[run.ID]; !exists {
		s.runIDs = append(s.runIDs, run.ID)
	}
	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *MemoryStore) StartNext(_ context.Context) (*schema.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, nil
	}
	e, ok := s.entries[s.pending[0]]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeQueueConsistency,
			"pending head %d has no entry record", s.pending[0])
	}
	if e.Status != schema.EntryStatusStarted {
		e.Status = schema.EntryStatusStarted
		if e.StartedAt == nil {
			now := time.Now().UTC()
			e.StartedAt = &now
		}
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Complete(_ context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok {
		return notFound(queueID)
	}
	e.Status = schema.EntryStatusCompleted
	if e.CompletedAt == nil {
		now := time.Now().UTC()
		e.CompletedAt = &now
	}
	s.removePending(queueID)
	return nil
}

func (s *MemoryStore) Skip(_ context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok {
		return notFound(queueID)
	}
	e.Status = schema.EntryStatusSkipped
	if e.SkippedAt == nil {
		now := time.Now().UTC()
		e.SkippedAt = &now
	}
	s.removePending(queueID)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, queueID int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[queueID]
	if !ok {
		return notFound(queueID)
	}
	e.Status = schema.EntryStatusFailed
	e.Error = cause
	if e.FailedAt == nil {
		now := time.Now().UTC()
		e.FailedAt = &now
	}
	return nil
}

func (s *MemoryStore) SkipUntil(_ context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexOf(s.pending, queueID)
	if idx < 0 {
		return schema.NewErrorf(schema.ErrCodeQueueConsistency,
			"entry %d is not pending", queueID)
	}
	now := time.Now().UTC()
	for _, id := range s.pending[:idx] {
		if e, ok := s.entries[id]; ok {
			e.Status = schema.EntryStatusSkipped
			if e.SkippedAt == nil {
				ts := now
				e.SkippedAt = &ts
			}
		}
	}
	s.pending = append([]int64{}, s.pending[idx:]...)
	return nil
}

func (s *MemoryStore) GotoCommand(_ context.Context, queueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := indexOf(s.pending, queueID); idx >= 0 {
		// Rotate: everything ahead of the target moves to the back.
		rotated := make([]int64, 0, len(s.pending))
		rotated = append(rotated, s.pending[idx:]...)
		rotated = append(rotated, s.pending[:idx]...)
		s.pending = rotated
		return nil
	}

	target, ok := s.entries[queueID]
	if !ok {
		return notFound(queueID)
	}

	// Replay: re-enqueue every same-run entry with id <= target that is not
	// currently pending, in original order, at the front.
	var replay []int64
	for id := int64(1); id <= queueID; id++ {
		e, ok := s.entries[id]
		if !ok || e.RunID != target.RunID {
			continue
		}
		if indexOf(s.pending, id) >= 0 {
			continue
		}
		resetEntry(e)
		replay = append(replay, id)
	}
	s.pending = append(replay, s.pending...)
	return nil
}

func (s *MemoryStore) GotoRunIndex(_ context.Context, runID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runEntries []int64
	for id := int64(1); id <= s.nextID; id++ {
		if e, ok := s.entries[id]; ok && e.RunID == runID {
			runEntries = append(runEntries, id)
		}
	}
	if index < 0 || index >= len(runEntries) {
		return schema.NewErrorf(schema.ErrCodeQueueConsistency,
			"index %d out of range for run %q with %d commands", index, runID, len(runEntries))
	}

	suffix := runEntries[index:]
	inSuffix := make(map[int64]struct{}, len(suffix))
	for _, id := range suffix {
		inSuffix[id] = struct{}{}
		resetEntry(s.entries[id])
	}

	kept := s.pending[:0:0]
	for _, id := range s.pending {
		if _, ok := inSuffix[id]; !ok {
			kept = append(kept, id)
		}
	}
	s.pending = append(append([]int64{}, suffix...), kept...)
	return nil
}

func (s *MemoryStore) ClearCompleted(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pendingSet := make(map[int64]struct{}, len(s.pending))
	for _, id := range s.pending {
		pendingSet[id] = struct{}{}
	}
	for id := range s.entries {
		if _, ok := pendingSet[id]; !ok {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[int64]*schema.QueueEntry)
	s.pending = nil
	return nil
}

func (s *MemoryStore) ClearRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.RunID == runID {
			delete(s.entries, id)
			s.removePending(id)
		}
	}
	delete(s.runs, runID)
	for i, id := range s.runIDs {
		if id == runID {
			s.runIDs = append(s.runIDs[:i], s.runIDs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) All(_ context.Context) ([]*schema.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ordered(), nil
}

func (s *MemoryStore) Page(_ context.Context, offset, limit int) ([]*schema.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.ordered()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (s *MemoryStore) PendingIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64{}, s.pending...), nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*schema.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Runs(_ context.Context) ([]*schema.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*schema.Run, 0, len(s.runIDs))
	for _, id := range s.runIDs {
		if r, ok := s.runs[id]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) RunCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs), nil
}

func (s *MemoryStore) Close() error { return nil }

// ordered returns copies of all entries sorted by ascending queue id.
// Caller must hold s.mu.
func (s *MemoryStore) ordered() []*schema.QueueEntry {
	out := make([]*schema.QueueEntry, 0, len(s.entries))
	for id := int64(1); id <= s.nextID; id++ {
		if e, ok := s.entries[id]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// removePending drops a single id from the pending order. Caller holds s.mu.
func (s *MemoryStore) removePending(queueID int64) {
	for i, id := range s.pending {
		if id == queueID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func indexOf(ids []int64, queueID int64) int {
	for i, id := range ids {
		if id == queueID {
			return i
		}
	}
	return -1
}

// resetEntry rewinds an entry to created so it can be replayed.
func resetEntry(e *schema.QueueEntry) {
	e.Status = schema.EntryStatusCreated
	e.Error = ""
	e.StartedAt = nil
	e.CompletedAt = nil
	e.SkippedAt = nil
	e.FailedAt = nil
}

func notFound(queueID int64) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeQueueConsistency, "entry %d not found", queueID).WithEntry(queueID)
}

var _ QueueStore = (*MemoryStore)(nil)

package store

import (
	"context"

	"github.com/protoq/protoq/pkg/schema"
)

// QueueStore is the persistence contract for the command execution queue.
// Three interchangeable backends satisfy it: memory, libSQL, and Redis.
//
// StartNext and the status-transition methods assume a single logical writer
// (the orchestrator loop); readers may call the accessor methods concurrently.
type QueueStore interface {
	// Push assigns a queue id if the entry has none, persists the entry, and
	// appends its id to the pending order. Returns the assigned id.
	Push(ctx context.Context, entry *schema.QueueEntry) (int64, error)

	// PushRun upserts run metadata keyed by the run id.
	PushRun(ctx context.Context, run *schema.Run) error

	// StartNext inspects the head of the pending order without removing it,
	// transitions that entry to started, and returns it. Calling it again
	// before a status transition returns the same entry. Returns (nil, nil)
	// when the pending order is empty.
	StartNext(ctx context.Context) (*schema.QueueEntry, error)

	// Complete and Skip transition the entry and remove its id from the
	// pending order; the entry record is retained for history.
	Complete(ctx context.Context, queueID int64) error
	Skip(ctx context.Context, queueID int64) error

	// Fail records the error on the entry. The id stays in the pending order
	// so the entry can be replayed after the failure is cleared.
	Fail(ctx context.Context, queueID int64, cause string) error

	// SkipUntil skips every entry strictly before queueID in the current
	// pending order, preserving order for the remainder.
	SkipUntil(ctx context.Context, queueID int64) error

	// GotoCommand makes queueID the next command to execute. A pending target
	// rotates the order: everything ahead of it moves to the back, relative
	// order preserved. A non-pending (completed/skipped) target re-enqueues,
	// in original order at the front, every same-run entry with id <= target
	// that is not currently pending, reset to created.
	GotoCommand(ctx context.Context, queueID int64) error

	// GotoRunIndex re-enqueues the run's command list from index onward: the
	// suffix is reset to created and spliced at the front of the pending
	// order in original relative order. Fails with a queue-consistency error
	// when index is out of [0, commands).
	GotoRunIndex(ctx context.Context, runID string, index int) error

	// ClearCompleted deletes entry records no longer referenced by the
	// pending order. Run metadata is untouched.
	ClearCompleted(ctx context.Context) error

	// ClearAll removes every entry from storage and the pending order.
	ClearAll(ctx context.Context) error

	// ClearRun removes the run record and every entry of the run from both
	// storage and the pending order.
	ClearRun(ctx context.Context, runID string) error

	// All returns every entry ordered by ascending queue id (history view).
	All(ctx context.Context) ([]*schema.QueueEntry, error)

	// Page returns a slice of the history view.
	Page(ctx context.Context, offset, limit int) ([]*schema.QueueEntry, error)

	// PendingIDs returns the current pending order, head first.
	PendingIDs(ctx context.Context) ([]int64, error)

	GetRun(ctx context.Context, runID string) (*schema.Run, error)
	Runs(ctx context.Context) ([]*schema.Run, error)
	RunCount(ctx context.Context) (int, error)

	Close() error
}

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/pkg/schema"
)

type recordingEnqueuer struct {
	mu       sync.Mutex
	requests []*schema.RunRequest
}

func (r *recordingEnqueuer) EnqueueRun(_ context.Context, req *schema.RunRequest) (*schema.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return &schema.Run{ID: uuid.New().String(), Name: req.Name}, nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func testRequest(name string) *schema.RunRequest {
	return &schema.RunRequest{
		Name: name,
		Commands: []schema.CommandInfo{
			{ToolID: "pump-1", ToolType: "syringe_pump", Command: "prime"},
		},
	}
}

func TestNewRejectsInvalidCron(t *testing.T) {
	_, err := New(&recordingEnqueuer{}, []Schedule{
		{Name: "bad", Cron: "not a cron", Request: testRequest("bad")},
	}, slog.Default())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCodeOf(err))
}

func TestTickFiresDueSchedules(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(enq, []Schedule{
		{Name: "nightly", Cron: "0 3 * * *", Request: testRequest("nightly-wash")},
	}, slog.Default())
	require.NoError(t, err)

	// Force the schedule due and tick manually.
	s.entries[0].nextRun = time.Now().Add(-time.Minute)
	s.tick(context.Background())

	require.Eventually(t, func() bool { return enq.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "nightly-wash", enq.requests[0].Name)
	assert.Empty(t, enq.requests[0].RunID, "scheduler must not pin a run id")
	assert.True(t, s.entries[0].nextRun.After(time.Now()), "next run must be advanced")
}

func TestTickSkipsFutureSchedules(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(enq, []Schedule{
		{Name: "later", Cron: "0 3 * * *", Request: testRequest("later")},
	}, slog.Default())
	require.NoError(t, err)

	s.tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, enq.count())
}

func TestInflightScheduleNotStacked(t *testing.T) {
	enq := &recordingEnqueuer{}
	s, err := New(enq, []Schedule{
		{Name: "busy", Cron: "* * * * *", Request: testRequest("busy")},
	}, slog.Default())
	require.NoError(t, err)

	s.mu.Lock()
	s.inflight["busy"] = true
	s.mu.Unlock()

	s.entries[0].nextRun = time.Now().Add(-time.Minute)
	s.tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, enq.count(), "tick must not stack runs behind an in-flight enqueue")
}

func TestStartStopLifecycle(t *testing.T) {
	s, err := New(&recordingEnqueuer{}, nil, slog.Default())
	require.NoError(t, err)

	s.Start(context.Background())
	s.Start(context.Background()) // double start is a no-op
	s.Stop()
	s.Stop() // double stop is a no-op
}

func TestNextRuns(t *testing.T) {
	s, err := New(&recordingEnqueuer{}, []Schedule{
		{Name: "a", Cron: "0 3 * * *", Request: testRequest("a")},
		{Name: "b", Cron: "30 6 * * 1", Request: testRequest("b")},
	}, slog.Default())
	require.NoError(t, err)

	next := s.NextRuns()
	require.Len(t, next, 2)
	assert.True(t, next["a"].After(time.Now()))
	assert.True(t, next["b"].After(time.Now()))
}

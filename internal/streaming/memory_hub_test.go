package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoq/protoq/pkg/schema"
)

func recvEvent(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{
		RunID:     "run-1",
		QueueID:   7,
		EventType: schema.EventEntryStarted,
	}))

	e := recvEvent(t, ch)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, int64(7), e.QueueID)
	assert.Equal(t, schema.EventEntryStarted, e.EventType)
}

func TestRunFilter(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "run-2", EventType: schema.EventEntryStarted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "run-1", EventType: schema.EventEntryCompleted}))

	e := recvEvent(t, ch)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, schema.EventEntryCompleted, e.EventType)
	assert.Empty(t, ch)
}

func TestEventTypeFilter(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventEngineState}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "run-1", EventType: schema.EventEntryStarted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{EventType: schema.EventEngineState, Payload: "busy"}))

	e := recvEvent(t, ch)
	assert.Equal(t, schema.EventEngineState, e.EventType)
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{EventType: schema.EventEntryStarted}))
	assert.Empty(t, ch)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	ch2, cancel2, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	cancel()
	cancel()

	// The surviving subscriber still receives events.
	require.NoError(t, h.Publish(ctx, StreamEvent{EventType: schema.EventEntryStarted}))
	e := recvEvent(t, ch2)
	assert.Equal(t, schema.EventEntryStarted, e.EventType)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill well past the channel buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultChannelBuffer*2; i++ {
			_ = h.Publish(ctx, StreamEvent{EventType: schema.EventEntryStarted})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

package schema

// Event types emitted on the streaming hub.
const (
	EventRunEnqueued = "run.enqueued"
	EventRunCleared  = "run.cleared"

	EventEntryStarted   = "entry.started"
	EventEntryCompleted = "entry.completed"
	EventEntrySkipped   = "entry.skipped"
	EventEntryFailed    = "entry.failed"

	EventEngineState  = "engine.state"
	EventWaitEntered  = "engine.wait_entered"
	EventWaitResolved = "engine.wait_resolved"
)

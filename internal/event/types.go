// Package event defines the process-wide event bus and the event types
// published by the orchestrator, scheduler, merge queue, and coordination
// registry. External observers (the live stream endpoint) and internal
// listeners subscribe without direct dependencies on the producers.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.status_changed", "merge.failed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskStatusChangedEvent is emitted after a task status transition is
// durable in the task store.
type TaskStatusChangedEvent struct {
	baseEvent
	TaskID string
	From   string
	To     string
	// Reason carries context for resets: "heartbeat_timeout", "spawn_failed",
	// "merge_conflict", "user_reset", "agent_failed".
	Reason string
}

// NewTaskStatusChangedEvent creates a TaskStatusChangedEvent.
func NewTaskStatusChangedEvent(taskID, from, to, reason string) TaskStatusChangedEvent {
	return TaskStatusChangedEvent{
		baseEvent: newBaseEvent("task.status_changed"),
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// TaskBlockedEvent is emitted when a task exhausts its retry budget.
type TaskBlockedEvent struct {
	baseEvent
	TaskID  string
	Retries int
}

// NewTaskBlockedEvent creates a TaskBlockedEvent.
func NewTaskBlockedEvent(taskID string, retries int) TaskBlockedEvent {
	return TaskBlockedEvent{
		baseEvent: newBaseEvent("task.blocked"),
		TaskID:    taskID,
		Retries:   retries,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionSpawnedEvent is emitted when an agent session starts.
type SessionSpawnedEvent struct {
	baseEvent
	TaskID       string
	Session      string
	Branch       string
	WorktreePath string
}

// NewSessionSpawnedEvent creates a SessionSpawnedEvent.
func NewSessionSpawnedEvent(taskID, session, branch, worktreePath string) SessionSpawnedEvent {
	return SessionSpawnedEvent{
		baseEvent:    newBaseEvent("session.spawned"),
		TaskID:       taskID,
		Session:      session,
		Branch:       branch,
		WorktreePath: worktreePath,
	}
}

// SessionKilledEvent is emitted when a session is terminated.
type SessionKilledEvent struct {
	baseEvent
	Session string
	Reason  string
}

// NewSessionKilledEvent creates a SessionKilledEvent.
func NewSessionKilledEvent(session, reason string) SessionKilledEvent {
	return SessionKilledEvent{
		baseEvent: newBaseEvent("session.killed"),
		Session:   session,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Merge Events
// -----------------------------------------------------------------------------

// MergeCompletedEvent is emitted when a branch is integrated into mainline.
type MergeCompletedEvent struct {
	baseEvent
	TaskID   string
	Branch   string
	Strategy string
	HeadSHA  string
}

// NewMergeCompletedEvent creates a MergeCompletedEvent.
func NewMergeCompletedEvent(taskID, branch, strategy, headSHA string) MergeCompletedEvent {
	return MergeCompletedEvent{
		baseEvent: newBaseEvent("merge.completed"),
		TaskID:    taskID,
		Branch:    branch,
		Strategy:  strategy,
		HeadSHA:   headSHA,
	}
}

// MergeFailedEvent is emitted when a merge attempt fails.
type MergeFailedEvent struct {
	baseEvent
	TaskID string
	Branch string
	Policy string
	Error  string
}

// NewMergeFailedEvent creates a MergeFailedEvent.
func NewMergeFailedEvent(taskID, branch, policy, errMsg string) MergeFailedEvent {
	return MergeFailedEvent{
		baseEvent: newBaseEvent("merge.failed"),
		TaskID:    taskID,
		Branch:    branch,
		Policy:    policy,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Coordination Events
// -----------------------------------------------------------------------------

// CoordinationKind enumerates the registry activity kinds.
type CoordinationKind string

const (
	KindAgentRegistered     CoordinationKind = "agent_registered"
	KindAgentHeartbeat      CoordinationKind = "agent_heartbeat"
	KindAgentUnregistered   CoordinationKind = "agent_unregistered"
	KindTodoAdded           CoordinationKind = "todo_added"
	KindTodoUpdated         CoordinationKind = "todo_updated"
	KindTodoCompleted       CoordinationKind = "todo_completed"
	KindFileLocked          CoordinationKind = "file_locked"
	KindFileUnlocked        CoordinationKind = "file_unlocked"
	KindInterfaceRegistered CoordinationKind = "interface_registered"
	KindMessageSent         CoordinationKind = "message_sent"
	KindTaskCompletedSignal CoordinationKind = "task_completed_signal"
)

// CoordinationEvent is emitted for every registry mutation.
type CoordinationEvent struct {
	baseEvent
	Kind      CoordinationKind
	ProjectID string
	Agent     string
	Payload   map[string]any
}

// NewCoordinationEvent creates a CoordinationEvent.
func NewCoordinationEvent(kind CoordinationKind, projectID, agent string, payload map[string]any) CoordinationEvent {
	return CoordinationEvent{
		baseEvent: newBaseEvent("coordination." + string(kind)),
		Kind:      kind,
		ProjectID: projectID,
		Agent:     agent,
		Payload:   payload,
	}
}

// -----------------------------------------------------------------------------
// Orchestrator Events
// -----------------------------------------------------------------------------

// OrchestratorStateEvent is emitted when the per-project loop starts,
// stops, or halts fatally.
type OrchestratorStateEvent struct {
	baseEvent
	ProjectID string
	State     string // "started", "stopped", "fatal"
	Error     string
}

// NewOrchestratorStateEvent creates an OrchestratorStateEvent.
func NewOrchestratorStateEvent(projectID, state, errMsg string) OrchestratorStateEvent {
	return OrchestratorStateEvent{
		baseEvent: newBaseEvent("orchestrator." + state),
		ProjectID: projectID,
		State:     state,
		Error:     errMsg,
	}
}

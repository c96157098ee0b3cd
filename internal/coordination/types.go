// Package coordination implements the registry that live agent sessions
// talk to: presence and heartbeats, advisory file locks, shared interface
// definitions, inter-agent messages, and per-agent todo lists. The
// registry is backed by a pluggable Store; the default is in-memory, with
// a Redis-backed implementation for shared deployments. The contract is
// identical for both: mutations are atomic per key.
package coordination

import "time"

// DefaultHeartbeatTTL is how long since the last heartbeat before an
// agent is considered dead.
const DefaultHeartbeatTTL = 2 * time.Minute

// DefaultMaxMessages caps the per-project message log.
const DefaultMaxMessages = 1000

// AgentRecord describes one live agent session.
type AgentRecord struct {
	SessionName   string    `json:"session_name"`
	TaskID        string    `json:"task_id"`
	Branch        string    `json:"branch"`
	Description   string    `json:"description"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Alive reports whether the agent heartbeated within ttl of now.
func (a *AgentRecord) Alive(now time.Time, ttl time.Duration) bool {
	return now.Sub(a.LastHeartbeat) <= ttl
}

// ChangeType classifies an announced file change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// FileLock records one held advisory lock. At most one holder per path.
type FileLock struct {
	Path       string     `json:"path"`
	Session    string     `json:"session"`
	ChangeType ChangeType `json:"change_type"`
	Reason     string     `json:"reason"`
	AcquiredAt time.Time  `json:"acquired_at"`
}

// SharedInterface is a type or contract definition published by an agent
// for others to build against.
type SharedInterface struct {
	Name         string    `json:"name"`
	Definition   string    `json:"definition"`
	OwnerSession string    `json:"owner_session"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Message is one entry in the bounded per-project message log.
// An empty To means broadcast.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	// Seq is the log position used by read cursors.
	Seq int64 `json:"seq"`
}

// TodoStatus tracks a todo through its short lifecycle.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one item on an agent's working list.
type Todo struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Status    TodoStatus `json:"status"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Stats aggregates registry state for the control plane.
type Stats struct {
	ProjectID          string         `json:"project_id"`
	TotalAgents        int            `json:"total_agents"`
	ActiveAgents       int            `json:"active_agents"`
	TotalTodos         int            `json:"total_todos"`
	CompletedTodos     int            `json:"completed_todos"`
	TodoCompletionRate float64        `json:"todo_completion_rate"`
	ActiveFileLocks    int            `json:"active_file_locks"`
	Interfaces         int            `json:"interfaces"`
	LocksBySession     map[string]int `json:"locks_by_session"`
}

package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/event"
	"github.com/splitmind/splitmind/internal/logging"
)

// Registry serves the agent-facing coordination operations for one
// project. All mutations go through the Store; events are published on
// the bus after the store mutation succeeds, never while holding store
// state.
type Registry struct {
	projectID string
	store     Store
	bus       *event.Bus
	logger    *logging.Logger
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTTL overrides the liveness threshold.
func WithHeartbeatTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry over the given store and bus.
func NewRegistry(projectID string, store Store, bus *event.Bus, logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Registry{
		projectID: projectID,
		store:     store,
		bus:       bus,
		logger:    logger.WithComponent("coordination").WithProject(projectID),
		ttl:       DefaultHeartbeatTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HeartbeatTTL returns the configured liveness threshold.
func (r *Registry) HeartbeatTTL() time.Duration { return r.ttl }

func (r *Registry) publish(kind event.CoordinationKind, agent string, payload map[string]any) {
	if r.bus != nil {
		r.bus.Publish(event.NewCoordinationEvent(kind, r.projectID, agent, payload))
	}
}

// Register records a live agent session. Idempotent by session name:
// re-registering refreshes the heartbeat and the descriptive fields.
func (r *Registry) Register(ctx context.Context, session, taskID, branch, description string) (*AgentRecord, error) {
	now := r.now()
	rec := &AgentRecord{
		SessionName:   session,
		TaskID:        taskID,
		Branch:        branch,
		Description:   description,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if existing, err := r.store.GetAgent(ctx, session); err == nil {
		rec.RegisteredAt = existing.RegisteredAt
	}
	if err := r.store.PutAgent(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("agent registered", "session", session, "task", taskID)
	r.publish(event.KindAgentRegistered, session, map[string]any{
		"task_id": taskID,
		"branch":  branch,
	})
	return rec, nil
}

// Unregister removes the agent and atomically releases everything it
// held: file locks, todos, and its read cursor.
func (r *Registry) Unregister(ctx context.Context, session string) error {
	released, err := r.releaseAllLocks(ctx, session)
	if err != nil {
		return err
	}
	if err := r.store.DeleteTodos(ctx, session); err != nil {
		return err
	}
	if err := r.store.DeleteAgent(ctx, session); err != nil {
		return err
	}
	r.logger.Info("agent unregistered", "session", session, "released_locks", len(released))
	for _, lock := range released {
		r.publish(event.KindFileUnlocked, session, map[string]any{"path": lock.Path})
	}
	r.publish(event.KindAgentUnregistered, session, nil)
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, session string) error {
	if err := r.store.SetHeartbeat(ctx, session, r.now()); err != nil {
		return err
	}
	r.publish(event.KindAgentHeartbeat, session, nil)
	return nil
}

// ListActiveAgents returns registered agents that are within the
// heartbeat TTL.
func (r *Registry) ListActiveAgents(ctx context.Context) ([]*AgentRecord, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := agents[:0]
	for _, rec := range agents {
		if rec.Alive(now, r.ttl) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListAgents returns all registered agents regardless of liveness.
func (r *Registry) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	return r.store.ListAgents(ctx)
}

// AnnounceFileChange acquires the advisory lock on path for session.
// Fails with ErrLockHeld if another live session holds it; the holder is
// returned alongside the error for the RPC response.
func (r *Registry) AnnounceFileChange(ctx context.Context, session, path string, change ChangeType, reason string) (*FileLock, error) {
	lock := &FileLock{
		Path:       path,
		Session:    session,
		ChangeType: change,
		Reason:     reason,
		AcquiredAt: r.now(),
	}
	holder, acquired, err := r.store.AcquireLock(ctx, lock)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return holder, errors.Wrapf(errors.ErrLockHeld, "%s held by %s", path, holder.Session)
	}
	r.publish(event.KindFileLocked, session, map[string]any{
		"path":        path,
		"change_type": string(change),
	})
	return holder, nil
}

// ReleaseFileLock drops the lock on path. Fails with ErrNotHolder if the
// caller does not hold it.
func (r *Registry) ReleaseFileLock(ctx context.Context, session, path string) error {
	released, err := r.store.ReleaseLock(ctx, path, session)
	if err != nil {
		return err
	}
	if released == nil {
		return errors.Wrapf(errors.ErrNotHolder, "%s", path)
	}
	r.publish(event.KindFileUnlocked, session, map[string]any{"path": path})
	return nil
}

// CheckFileLock returns the current holder of path, or nil if unlocked.
func (r *Registry) CheckFileLock(ctx context.Context, path string) (*FileLock, error) {
	return r.store.GetLock(ctx, path)
}

// ListFileLocks returns every held lock.
func (r *Registry) ListFileLocks(ctx context.Context) ([]*FileLock, error) {
	return r.store.ListLocks(ctx)
}

// HeldLocks returns the locks held by one session.
func (r *Registry) HeldLocks(ctx context.Context, session string) ([]*FileLock, error) {
	locks, err := r.store.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	out := locks[:0]
	for _, l := range locks {
		if l.Session == session {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *Registry) releaseAllLocks(ctx context.Context, session string) ([]*FileLock, error) {
	held, err := r.HeldLocks(ctx, session)
	if err != nil {
		return nil, err
	}
	var released []*FileLock
	for _, lock := range held {
		got, err := r.store.ReleaseLock(ctx, lock.Path, session)
		if err != nil {
			return released, err
		}
		if got != nil {
			released = append(released, got)
		}
	}
	return released, nil
}

// RegisterInterface publishes a shared definition. Replacing an existing
// name requires the caller to be the current owner.
func (r *Registry) RegisterInterface(ctx context.Context, session, name, definition string) (*SharedInterface, error) {
	iface := &SharedInterface{
		Name:         name,
		Definition:   definition,
		OwnerSession: session,
		RegisteredAt: r.now(),
	}
	if err := r.store.PutInterface(ctx, iface); err != nil {
		return nil, err
	}
	r.publish(event.KindInterfaceRegistered, session, map[string]any{"name": name})
	return iface, nil
}

// QueryInterface returns one definition by name.
func (r *Registry) QueryInterface(ctx context.Context, name string) (*SharedInterface, error) {
	return r.store.GetInterface(ctx, name)
}

// ListInterfaces returns every registered definition.
func (r *Registry) ListInterfaces(ctx context.Context) ([]*SharedInterface, error) {
	return r.store.ListInterfaces(ctx)
}

// SendMessage appends a direct message to the log.
func (r *Registry) SendMessage(ctx context.Context, from, to, kind, body string) (*Message, error) {
	return r.appendMessage(ctx, from, to, kind, body)
}

// BroadcastMessage appends a message addressed to every agent.
func (r *Registry) BroadcastMessage(ctx context.Context, from, kind, body string) (*Message, error) {
	return r.appendMessage(ctx, from, "", kind, body)
}

func (r *Registry) appendMessage(ctx context.Context, from, to, kind, body string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Kind:      kind,
		Body:      body,
		Timestamp: r.now(),
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	r.publish(event.KindMessageSent, from, map[string]any{
		"to":   to,
		"kind": kind,
	})
	return msg, nil
}

// CheckMessages returns messages for session newer than its read cursor
// and advances the cursor.
func (r *Registry) CheckMessages(ctx context.Context, session string) ([]*Message, error) {
	cursor, err := r.store.GetCursor(ctx, session)
	if err != nil {
		return nil, err
	}
	msgs, newCursor, err := r.store.MessagesAfter(ctx, session, cursor)
	if err != nil {
		return nil, err
	}
	if newCursor != cursor {
		if err := r.store.SetCursor(ctx, session, newCursor); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// AddTodo appends an item to the agent's todo list.
func (r *Registry) AddTodo(ctx context.Context, session, text string, priority int) (*Todo, error) {
	if _, err := r.store.GetAgent(ctx, session); err != nil {
		return nil, err
	}
	now := r.now()
	todo := &Todo{
		ID:        uuid.NewString(),
		Text:      text,
		Status:    TodoPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.PutTodo(ctx, session, todo); err != nil {
		return nil, err
	}
	r.publish(event.KindTodoAdded, session, map[string]any{"todo_id": todo.ID})
	return todo, nil
}

// UpdateTodo changes an item's text or status.
func (r *Registry) UpdateTodo(ctx context.Context, session, todoID, text string, status TodoStatus) (*Todo, error) {
	todo, err := r.store.GetTodo(ctx, session, todoID)
	if err != nil {
		return nil, err
	}
	if text != "" {
		todo.Text = text
	}
	if status != "" {
		todo.Status = status
	}
	todo.UpdatedAt = r.now()
	if err := r.store.PutTodo(ctx, session, todo); err != nil {
		return nil, err
	}
	kind := event.KindTodoUpdated
	if todo.Status == TodoCompleted {
		kind = event.KindTodoCompleted
	}
	r.publish(kind, session, map[string]any{"todo_id": todo.ID})
	return todo, nil
}

// CompleteTodo marks an item completed.
func (r *Registry) CompleteTodo(ctx context.Context, session, todoID string) (*Todo, error) {
	return r.UpdateTodo(ctx, session, todoID, "", TodoCompleted)
}

// GetTodos returns the agent's todo list in insertion order.
func (r *Registry) GetTodos(ctx context.Context, session string) ([]*Todo, error) {
	return r.store.ListTodos(ctx, session)
}

// MarkTaskCompleted records the agent's completion signal. The orchestrator
// subscribes to the resulting event; the RPC layer also writes the
// completion marker file.
func (r *Registry) MarkTaskCompleted(ctx context.Context, session string, success bool, reason string) error {
	rec, err := r.store.GetAgent(ctx, session)
	if err != nil {
		return err
	}
	r.publish(event.KindTaskCompletedSignal, session, map[string]any{
		"task_id": rec.TaskID,
		"success": success,
		"reason":  reason,
	})
	return nil
}

// ReapDead removes agents whose heartbeat exceeded the TTL, releasing
// their locks. Returns the reaped session names.
func (r *Registry) ReapDead(ctx context.Context) ([]string, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var reaped []string
	for _, rec := range agents {
		if rec.Alive(now, r.ttl) {
			continue
		}
		r.logger.Warn("reaping dead agent",
			"session", rec.SessionName,
			"last_heartbeat", rec.LastHeartbeat.Format(time.RFC3339))
		if err := r.Unregister(ctx, rec.SessionName); err != nil {
			return reaped, err
		}
		reaped = append(reaped, rec.SessionName)
	}
	return reaped, nil
}

// Stats aggregates current registry state.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := r.store.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	ifaces, err := r.store.ListInterfaces(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ProjectID:       r.projectID,
		TotalAgents:     len(agents),
		ActiveFileLocks: len(locks),
		Interfaces:      len(ifaces),
		LocksBySession:  make(map[string]int),
	}
	now := r.now()
	for _, rec := range agents {
		if rec.Alive(now, r.ttl) {
			stats.ActiveAgents++
		}
		todos, err := r.store.ListTodos(ctx, rec.SessionName)
		if err != nil {
			return nil, err
		}
		stats.TotalTodos += len(todos)
		for _, todo := range todos {
			if todo.Status == TodoCompleted {
				stats.CompletedTodos++
			}
		}
	}
	for _, lock := range locks {
		stats.LocksBySession[lock.Session]++
	}
	if stats.TotalTodos > 0 {
		stats.TodoCompletionRate = float64(stats.CompletedTodos) / float64(stats.TotalTodos) * 100
	}
	return stats, nil
}

// Snapshot renders current state as events for bus replay: one
// agent_registered per live agent, one file_locked per held lock, one
// interface_registered per definition.
func (r *Registry) Snapshot() []event.Event {
	ctx := context.Background()
	var out []event.Event

	agents, err := r.ListActiveAgents(ctx)
	if err != nil {
		return out
	}
	for _, rec := range agents {
		out = append(out, event.NewCoordinationEvent(event.KindAgentRegistered, r.projectID, rec.SessionName, map[string]any{
			"task_id": rec.TaskID,
			"branch":  rec.Branch,
		}))
	}
	if locks, err := r.store.ListLocks(ctx); err == nil {
		for _, lock := range locks {
			out = append(out, event.NewCoordinationEvent(event.KindFileLocked, r.projectID, lock.Session, map[string]any{
				"path":        lock.Path,
				"change_type": string(lock.ChangeType),
			}))
		}
	}
	if ifaces, err := r.store.ListInterfaces(ctx); err == nil {
		for _, iface := range ifaces {
			out = append(out, event.NewCoordinationEvent(event.KindInterfaceRegistered, r.projectID, iface.OwnerSession, map[string]any{
				"name": iface.Name,
			}))
		}
	}
	return out
}

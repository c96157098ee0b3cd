package coordination

import (
	"context"
	"time"
)

// Store is the persistence contract behind the Registry. Implementations
// must make each method atomic with respect to its key: AcquireLock is a
// compare-and-set on the path, PutInterface enforces ownership on
// replace, AppendMessage is an ordered append with a size cap.
//
// Two implementations exist: memoryStore (default, process-local) and
// redisStore (shared, keyed by project id). The Registry contract does
// not depend on the choice.
type Store interface {
	// Agents
	PutAgent(ctx context.Context, rec *AgentRecord) error
	GetAgent(ctx context.Context, session string) (*AgentRecord, error)
	DeleteAgent(ctx context.Context, session string) error
	ListAgents(ctx context.Context) ([]*AgentRecord, error)
	SetHeartbeat(ctx context.Context, session string, at time.Time) error

	// File locks. AcquireLock returns the current holder and false when
	// the path is already locked by another session; re-acquiring an own
	// lock refreshes it.
	AcquireLock(ctx context.Context, lock *FileLock) (holder *FileLock, acquired bool, err error)
	// ReleaseLock removes the lock if held by session. Returns the
	// released lock, or nil if session was not the holder.
	ReleaseLock(ctx context.Context, path, session string) (*FileLock, error)
	GetLock(ctx context.Context, path string) (*FileLock, error)
	ListLocks(ctx context.Context) ([]*FileLock, error)

	// Interfaces. PutInterface fails with ErrInterfaceForbidden when the
	// name exists and owner differs from the existing owner.
	PutInterface(ctx context.Context, iface *SharedInterface) error
	GetInterface(ctx context.Context, name string) (*SharedInterface, error)
	ListInterfaces(ctx context.Context) ([]*SharedInterface, error)

	// Messages. AppendMessage assigns Seq and trims the log to the cap.
	AppendMessage(ctx context.Context, msg *Message) error
	// MessagesAfter returns messages with Seq > cursor addressed to
	// session (directly or broadcast), plus the new cursor position.
	MessagesAfter(ctx context.Context, session string, cursor int64) ([]*Message, int64, error)
	GetCursor(ctx context.Context, session string) (int64, error)
	SetCursor(ctx context.Context, session string, cursor int64) error

	// Todos, keyed per agent session.
	PutTodo(ctx context.Context, session string, todo *Todo) error
	GetTodo(ctx context.Context, session, todoID string) (*Todo, error)
	ListTodos(ctx context.Context, session string) ([]*Todo, error)
	DeleteTodos(ctx context.Context, session string) error

	// Close releases backend resources.
	Close() error
}

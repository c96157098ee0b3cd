package coordination

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
)

// memoryStore is the process-local Store. A single mutex covers all maps;
// registry operations are short and the agent population is small.
type memoryStore struct {
	mu          sync.Mutex
	agents      map[string]*AgentRecord
	locks       map[string]*FileLock
	interfaces  map[string]*SharedInterface
	messages    []*Message
	nextSeq     int64
	cursors     map[string]int64
	todos       map[string]map[string]*Todo // session -> todo id -> todo
	todoOrder   map[string][]string
	maxMessages int
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		agents:      make(map[string]*AgentRecord),
		locks:       make(map[string]*FileLock),
		interfaces:  make(map[string]*SharedInterface),
		cursors:     make(map[string]int64),
		todos:       make(map[string]map[string]*Todo),
		todoOrder:   make(map[string][]string),
		maxMessages: DefaultMaxMessages,
	}
}

func (s *memoryStore) PutAgent(_ context.Context, rec *AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.agents[rec.SessionName] = &c
	return nil
}

func (s *memoryStore) GetAgent(_ context.Context, session string) (*AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[session]
	if !ok {
		return nil, errors.Wrapf(errors.ErrAgentNotFound, "%s", session)
	}
	c := *rec
	return &c, nil
}

func (s *memoryStore) DeleteAgent(_ context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, session)
	delete(s.cursors, session)
	return nil
}

func (s *memoryStore) ListAgents(_ context.Context) ([]*AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AgentRecord, 0, len(s.agents))
	for _, rec := range s.agents {
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionName < out[j].SessionName })
	return out, nil
}

func (s *memoryStore) SetHeartbeat(_ context.Context, session string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[session]
	if !ok {
		return errors.Wrapf(errors.ErrAgentNotFound, "%s", session)
	}
	rec.LastHeartbeat = at
	return nil
}

func (s *memoryStore) AcquireLock(_ context.Context, lock *FileLock) (*FileLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[lock.Path]; ok && held.Session != lock.Session {
		c := *held
		return &c, false, nil
	}
	c := *lock
	s.locks[lock.Path] = &c
	return &c, true, nil
}

func (s *memoryStore) ReleaseLock(_ context.Context, path, session string) (*FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[path]
	if !ok || held.Session != session {
		return nil, nil
	}
	delete(s.locks, path)
	c := *held
	return &c, nil
}

func (s *memoryStore) GetLock(_ context.Context, path string) (*FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[path]
	if !ok {
		return nil, nil
	}
	c := *held
	return &c, nil
}

func (s *memoryStore) ListLocks(_ context.Context) ([]*FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FileLock, 0, len(s.locks))
	for _, l := range s.locks {
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *memoryStore) PutInterface(_ context.Context, iface *SharedInterface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.interfaces[iface.Name]; ok && existing.OwnerSession != iface.OwnerSession {
		return errors.Wrapf(errors.ErrInterfaceForbidden, "%q owned by %s", iface.Name, existing.OwnerSession)
	}
	c := *iface
	s.interfaces[iface.Name] = &c
	return nil
}

func (s *memoryStore) GetInterface(_ context.Context, name string) (*SharedInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iface, ok := s.interfaces[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInterfaceNotFound, "%s", name)
	}
	c := *iface
	return &c, nil
}

func (s *memoryStore) ListInterfaces(_ context.Context) ([]*SharedInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SharedInterface, 0, len(s.interfaces))
	for _, iface := range s.interfaces {
		c := *iface
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memoryStore) AppendMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	c := *msg
	c.Seq = s.nextSeq
	s.messages = append(s.messages, &c)
	if len(s.messages) > s.maxMessages {
		s.messages = s.messages[len(s.messages)-s.maxMessages:]
	}
	msg.Seq = c.Seq
	return nil
}

func (s *memoryStore) MessagesAfter(_ context.Context, session string, cursor int64) ([]*Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	last := cursor
	for _, msg := range s.messages {
		if msg.Seq <= cursor {
			continue
		}
		if msg.To != "" && msg.To != session {
			if msg.Seq > last {
				last = msg.Seq
			}
			continue
		}
		c := *msg
		out = append(out, &c)
		if msg.Seq > last {
			last = msg.Seq
		}
	}
	return out, last, nil
}

func (s *memoryStore) GetCursor(_ context.Context, session string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[session], nil
}

func (s *memoryStore) SetCursor(_ context.Context, session string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[session] = cursor
	return nil
}

func (s *memoryStore) PutTodo(_ context.Context, session string, todo *Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.todos[session]
	if !ok {
		byID = make(map[string]*Todo)
		s.todos[session] = byID
	}
	if _, seen := byID[todo.ID]; !seen {
		s.todoOrder[session] = append(s.todoOrder[session], todo.ID)
	}
	c := *todo
	byID[todo.ID] = &c
	return nil
}

func (s *memoryStore) GetTodo(_ context.Context, session, todoID string) (*Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	todo, ok := s.todos[session][todoID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrTodoNotFound, "%s/%s", session, todoID)
	}
	c := *todo
	return &c, nil
}

func (s *memoryStore) ListTodos(_ context.Context, session string) ([]*Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.todoOrder[session]
	out := make([]*Todo, 0, len(ids))
	for _, id := range ids {
		if todo, ok := s.todos[session][id]; ok {
			c := *todo
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteTodos(_ context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.todos, session)
	delete(s.todoOrder, session)
	return nil
}

func (s *memoryStore) Close() error { return nil }

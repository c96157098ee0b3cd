package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splitmind/splitmind/internal/errors"
)

// redisStore backs the Registry with a shared Redis instance so several
// SplitMind processes can coordinate the same project. Keys are
// namespaced splitmind:{project}:... matching the dashboard's reader.
// Per-key atomicity comes from single-key commands and small Lua scripts
// for the compare-and-set paths.
type redisStore struct {
	client      *redis.Client
	projectID   string
	maxMessages int64
}

// NewRedisStore connects to addr and returns a Store keyed by projectID.
func NewRedisStore(ctx context.Context, addr, projectID string) (Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrRegistryUnavailable, "redis at %s: %v", addr, err)
	}
	return &redisStore{
		client:      client,
		projectID:   projectID,
		maxMessages: DefaultMaxMessages,
	}, nil
}

func (s *redisStore) key(parts ...string) string {
	k := "splitmind:" + s.projectID
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// acquireLockScript sets the lock unless another session holds it.
// Returns the holder's payload either way, plus an acquired flag.
var acquireLockScript = redis.NewScript(`
local held = redis.call("GET", KEYS[1])
if held then
  local data = cjson.decode(held)
  if data.session ~= ARGV[2] then
    return {held, 0}
  end
end
redis.call("SET", KEYS[1], ARGV[1])
return {ARGV[1], 1}
`)

// releaseLockScript deletes the lock only when held by the caller and
// returns the released payload, or false when the caller is not the holder.
var releaseLockScript = redis.NewScript(`
local held = redis.call("GET", KEYS[1])
if not held then
  return false
end
local data = cjson.decode(held)
if data.session ~= ARGV[1] then
  return false
end
redis.call("DEL", KEYS[1])
return held
`)

// putInterfaceScript writes the definition unless the name is owned by a
// different session.
var putInterfaceScript = redis.NewScript(`
local existing = redis.call("HGET", KEYS[1], ARGV[1])
if existing then
  local data = cjson.decode(existing)
  if data.owner_session ~= ARGV[3] then
    return 0
  end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func (s *redisStore) PutAgent(ctx context.Context, rec *AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if err := s.client.HSet(ctx, s.key("agents"), rec.SessionName, data).Err(); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return s.SetHeartbeat(ctx, rec.SessionName, rec.LastHeartbeat)
}

func (s *redisStore) GetAgent(ctx context.Context, session string) (*AgentRecord, error) {
	data, err := s.client.HGet(ctx, s.key("agents"), session).Result()
	if err == redis.Nil {
		return nil, errors.Wrapf(errors.ErrAgentNotFound, "%s", session)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var rec AgentRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", session, err)
	}
	if hb, err := s.client.HGet(ctx, s.key("heartbeat"), session).Result(); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, hb); perr == nil {
			rec.LastHeartbeat = ts
		}
	}
	return &rec, nil
}

func (s *redisStore) DeleteAgent(ctx context.Context, session string) error {
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, s.key("agents"), session)
	pipe.HDel(ctx, s.key("heartbeat"), session)
	pipe.HDel(ctx, s.key("cursors"), session)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return nil
}

func (s *redisStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	entries, err := s.client.HGetAll(ctx, s.key("agents")).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	out := make([]*AgentRecord, 0, len(entries))
	for session := range entries {
		rec, err := s.GetAgent(ctx, session)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) SetHeartbeat(ctx context.Context, session string, at time.Time) error {
	exists, err := s.client.HExists(ctx, s.key("agents"), session).Result()
	if err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	if !exists {
		return errors.Wrapf(errors.ErrAgentNotFound, "%s", session)
	}
	if err := s.client.HSet(ctx, s.key("heartbeat"), session, at.Format(time.RFC3339Nano)).Err(); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return nil
}

func (s *redisStore) AcquireLock(ctx context.Context, lock *FileLock) (*FileLock, bool, error) {
	payload, err := json.Marshal(lock)
	if err != nil {
		return nil, false, fmt.Errorf("marshal lock: %w", err)
	}
	res, err := acquireLockScript.Run(ctx, s.client,
		[]string{s.key("lock", lock.Path)}, payload, lock.Session).Slice()
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var holder FileLock
	if err := json.Unmarshal([]byte(res[0].(string)), &holder); err != nil {
		return nil, false, fmt.Errorf("unmarshal holder: %w", err)
	}
	acquired := res[1].(int64) == 1
	return &holder, acquired, nil
}

func (s *redisStore) ReleaseLock(ctx context.Context, path, session string) (*FileLock, error) {
	res, err := releaseLockScript.Run(ctx, s.client, []string{s.key("lock", path)}, session).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var released FileLock
	if err := json.Unmarshal([]byte(res.(string)), &released); err != nil {
		return nil, fmt.Errorf("unmarshal released lock: %w", err)
	}
	return &released, nil
}

func (s *redisStore) GetLock(ctx context.Context, path string) (*FileLock, error) {
	data, err := s.client.Get(ctx, s.key("lock", path)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var lock FileLock
	if err := json.Unmarshal([]byte(data), &lock); err != nil {
		return nil, fmt.Errorf("unmarshal lock %s: %w", path, err)
	}
	return &lock, nil
}

func (s *redisStore) ListLocks(ctx context.Context) ([]*FileLock, error) {
	var out []*FileLock
	iter := s.client.Scan(ctx, 0, s.key("lock")+":*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var lock FileLock
		if err := json.Unmarshal([]byte(data), &lock); err != nil {
			continue
		}
		out = append(out, &lock)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return out, nil
}

func (s *redisStore) PutInterface(ctx context.Context, iface *SharedInterface) error {
	data, err := json.Marshal(iface)
	if err != nil {
		return fmt.Errorf("marshal interface: %w", err)
	}
	ok, err := putInterfaceScript.Run(ctx, s.client,
		[]string{s.key("interfaces")}, iface.Name, data, iface.OwnerSession).Int64()
	if err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	if ok == 0 {
		return errors.Wrapf(errors.ErrInterfaceForbidden, "%q", iface.Name)
	}
	return nil
}

func (s *redisStore) GetInterface(ctx context.Context, name string) (*SharedInterface, error) {
	data, err := s.client.HGet(ctx, s.key("interfaces"), name).Result()
	if err == redis.Nil {
		return nil, errors.Wrapf(errors.ErrInterfaceNotFound, "%s", name)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var iface SharedInterface
	if err := json.Unmarshal([]byte(data), &iface); err != nil {
		return nil, fmt.Errorf("unmarshal interface %s: %w", name, err)
	}
	return &iface, nil
}

func (s *redisStore) ListInterfaces(ctx context.Context) ([]*SharedInterface, error) {
	entries, err := s.client.HGetAll(ctx, s.key("interfaces")).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	out := make([]*SharedInterface, 0, len(entries))
	for _, data := range entries {
		var iface SharedInterface
		if err := json.Unmarshal([]byte(data), &iface); err != nil {
			continue
		}
		out = append(out, &iface)
	}
	return out, nil
}

func (s *redisStore) AppendMessage(ctx context.Context, msg *Message) error {
	seq, err := s.client.Incr(ctx, s.key("messages", "seq")).Result()
	if err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	msg.Seq = seq
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key("messages"), data)
	pipe.LTrim(ctx, s.key("messages"), -s.maxMessages, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return nil
}

func (s *redisStore) MessagesAfter(ctx context.Context, session string, cursor int64) ([]*Message, int64, error) {
	entries, err := s.client.LRange(ctx, s.key("messages"), 0, -1).Result()
	if err != nil {
		return nil, cursor, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var out []*Message
	last := cursor
	for _, data := range entries {
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.Seq <= cursor {
			continue
		}
		if msg.Seq > last {
			last = msg.Seq
		}
		if msg.To != "" && msg.To != session {
			continue
		}
		out = append(out, &msg)
	}
	return out, last, nil
}

func (s *redisStore) GetCursor(ctx context.Context, session string) (int64, error) {
	cursor, err := s.client.HGet(ctx, s.key("cursors"), session).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return cursor, nil
}

func (s *redisStore) SetCursor(ctx context.Context, session string, cursor int64) error {
	if err := s.client.HSet(ctx, s.key("cursors"), session, cursor).Err(); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return nil
}

func (s *redisStore) PutTodo(ctx context.Context, session string, todo *Todo) error {
	data, err := json.Marshal(todo)
	if err != nil {
		return fmt.Errorf("marshal todo: %w", err)
	}
	exists, err := s.client.HExists(ctx, s.key("todos", session), todo.ID).Result()
	if err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key("todos", session), todo.ID, data)
	if !exists {
		pipe.RPush(ctx, s.key("todoorder", session), todo.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return nil
}

func (s *redisStore) GetTodo(ctx context.Context, session, todoID string) (*Todo, error) {
	data, err := s.client.HGet(ctx, s.key("todos", session), todoID).Result()
	if err == redis.Nil {
		return nil, errors.Wrapf(errors.ErrTodoNotFound, "%s/%s", session, todoID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	var todo Todo
	if err := json.Unmarshal([]byte(data), &todo); err != nil {
		return nil, fmt.Errorf("unmarshal todo %s: %w", todoID, err)
	}
	return &todo, nil
}

func (s *redisStore) ListTodos(ctx context.Context, session string) ([]*Todo, error) {
	ids, err := s.client.LRange(ctx, s.key("todoorder", session), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	out := make([]*Todo, 0, len(ids))
	for _, id := range ids {
		todo, err := s.GetTodo(ctx, session, id)
		if err != nil {
			continue
		}
		out = append(out, todo)
	}
	return out, nil
}

func (s *redisStore) DeleteTodos(ctx context.Context, session string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key("todos", session))
	pipe.Del(ctx, s.key("todoorder", session))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(errors.ErrRegistryUnavailable, err.Error())
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }

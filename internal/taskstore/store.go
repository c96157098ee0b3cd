package taskstore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/task"
)

// Store serializes access to one project's tasks.md. Writers within the
// process go through the store mutex; cross-process access is guarded by
// flock(2). External editors are advisory: the store records the file
// mtime at load and refuses a stale write unless forced.
type Store struct {
	path string

	mu         sync.Mutex
	loadedAt   time.Time // mtime observed at last load or save
	everLoaded bool
}

// New creates a Store for the given tasks.md path. The file need not
// exist yet; the first Save creates it.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the task file path.
func (s *Store) Path() string { return s.path }

// Load reads and parses the task file. A missing file yields an empty
// list. The observed mtime becomes the staleness baseline for Save.
func (s *Store) Load() ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]*task.Task, error) {
	fl := NewFileLock(s.path)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loadedAt = time.Time{}
			s.everLoaded = true
			return nil, nil
		}
		return nil, fmt.Errorf("read task file: %w", err)
	}

	tasks, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Hand-edited files may reference dependencies by branch name; edges
	// are normalized to task ids here. Unresolvable references survive
	// untouched and fail validation on the next save.
	for _, t := range tasks {
		for i, dep := range t.Dependencies {
			if id, ok := task.ResolveDependency(dep, tasks); ok {
				t.Dependencies[i] = id
			}
		}
	}

	if info, err := os.Stat(s.path); err == nil {
		s.loadedAt = info.ModTime()
	}
	s.everLoaded = true
	return tasks, nil
}

// Save validates and writes the task list atomically: temp file, fsync,
// rename. If the file on disk changed since the last Load/Save and force
// is false, Save fails with ErrStaleWrite so a concurrent hand edit is
// not silently overwritten.
func (s *Store) Save(tasks []*task.Task, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(tasks, force)
}

func (s *Store) saveLocked(tasks []*task.Task, force bool) error {
	if err := task.ValidateList(tasks); err != nil {
		return err
	}

	fl := NewFileLock(s.path)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	if !force && s.everLoaded {
		if info, err := os.Stat(s.path); err == nil {
			if !s.loadedAt.IsZero() && info.ModTime().After(s.loadedAt) {
				return errors.Wrapf(errors.ErrStaleWrite, "%s modified at %s", s.path, info.ModTime().Format(time.RFC3339))
			}
		}
	}

	data := Serialize(tasks)
	tmp := s.path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.loadedAt = info.ModTime()
	}
	return nil
}

// Update loads the list, applies patch to the task with the given id,
// validates, and saves. The store mutex is held for the whole
// load-patch-save sequence so concurrent Updates never patch a stale
// snapshot; the patch must not call back into the store.
func (s *Store) Update(id string, patch func(*task.Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.loadLocked()
	if err != nil {
		return err
	}

	var target *task.Task
	for _, t := range tasks {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		return errors.Wrapf(errors.ErrTaskNotFound, "%s", id)
	}

	if err := patch(target); err != nil {
		return err
	}
	target.UpdatedAt = time.Now()

	return s.saveLocked(tasks, false)
}

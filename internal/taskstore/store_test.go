package taskstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/task"
)

const sampleDoc = `# tasks.md

## Task: Add user auth
- id: add-user-auth
- description: JWT auth for the API
- prompt: null
- branch: add-user-auth
- session: null
- status: unclaimed
- dependencies: []
- priority: 5
- merge_order: 1
- exclusive_files: [auth.go, middleware.go]
- shared_files: [go.mod]
- created_at: 2026-08-01T10:00:00Z
- updated_at: 2026-08-01T10:00:00Z
- completed_at: null
- merged_at: null

## Task: Wire dashboard
- id: wire-dashboard
- branch: wire-dashboard
- status: unclaimed
- dependencies: [add-user-auth]
- reviewer: alice
`

func TestParseSample(t *testing.T) {
	tasks, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	auth := tasks[0]
	if auth.ID != "add-user-auth" || auth.Priority != 5 || auth.MergeOrder != 1 {
		t.Errorf("unexpected fields: %+v", auth)
	}
	if auth.Prompt != "" || auth.Session != "" {
		t.Error("null token should decode to empty string")
	}
	if len(auth.ExclusiveFiles) != 2 || auth.ExclusiveFiles[1] != "middleware.go" {
		t.Errorf("exclusive_files = %v", auth.ExclusiveFiles)
	}
	if auth.CreatedAt.IsZero() || !auth.CompletedAt.IsZero() {
		t.Error("timestamp parsing wrong")
	}

	dash := tasks[1]
	if dash.Dependencies[0] != "add-user-auth" {
		t.Errorf("dependencies = %v", dash.Dependencies)
	}
	if dash.Extra["reviewer"] != "alice" {
		t.Error("unknown key should be preserved in Extra")
	}
}

func TestParseDerivesIDAndBranch(t *testing.T) {
	doc := "# tasks.md\n\n## Task: Fix CI Pipeline\n- status: unclaimed\n"
	tasks, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tasks[0].ID != "fix-ci-pipeline" || tasks[0].Branch != "fix-ci-pipeline" {
		t.Errorf("derived id/branch = %q/%q", tasks[0].ID, tasks[0].Branch)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing header", "## Task: x\n"},
		{"bullet outside block", "# tasks.md\n- id: x\n"},
		{"bad status", "# tasks.md\n## Task: x\n- status: bogus\n"},
		{"bad priority", "# tasks.md\n## Task: x\n- priority: high\n"},
		{"bad list", "# tasks.md\n## Task: x\n- dependencies: a, b\n"},
		{"bad timestamp", "# tasks.md\n## Task: x\n- created_at: yesterday\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("got %v, want ParseError", err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	tasks, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	again, err := Parse(Serialize(tasks))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(again) != len(tasks) {
		t.Fatalf("round-trip task count %d != %d", len(again), len(tasks))
	}
	for i := range tasks {
		a, b := tasks[i], again[i]
		if a.ID != b.ID || a.Title != b.Title || a.Branch != b.Branch ||
			a.Status != b.Status || a.Priority != b.Priority ||
			a.MergeOrder != b.MergeOrder || a.Description != b.Description {
			t.Errorf("task %d mismatch:\n  %+v\n  %+v", i, a, b)
		}
		if len(a.Dependencies) != len(b.Dependencies) || len(a.ExclusiveFiles) != len(b.ExclusiveFiles) {
			t.Errorf("task %d list mismatch", i)
		}
		if a.Extra["reviewer"] != b.Extra["reviewer"] {
			t.Errorf("task %d lost unknown key", i)
		}
	}

	// Serialization is deterministic.
	if string(Serialize(tasks)) != string(Serialize(again)) {
		t.Error("serialize is not stable across round-trips")
	}
}

func TestStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "tasks.md"))

	tasks := []*task.Task{
		{ID: "a", Title: "A", Branch: "a", Status: task.StatusUnclaimed, CreatedAt: time.Now()},
		{ID: "b", Title: "B", Branch: "b", Status: task.StatusUnclaimed, Dependencies: []string{"a"}},
	}
	if err := store.Save(tasks, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "a" || loaded[1].Dependencies[0] != "a" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "tasks.md"))
	tasks, err := store.Load()
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty list, got %d", len(tasks))
	}
}

func TestStoreRejectsInvalidList(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "tasks.md"))
	dup := []*task.Task{
		{ID: "a", Title: "A", Branch: "same", Status: task.StatusUnclaimed},
		{ID: "b", Title: "B", Branch: "same", Status: task.StatusUnclaimed},
	}
	if err := store.Save(dup, false); !errors.Is(err, errors.ErrDuplicateBranch) {
		t.Fatalf("got %v, want ErrDuplicateBranch", err)
	}
}

func TestStoreStaleWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.md")
	store := New(path)

	tasks := []*task.Task{{ID: "a", Title: "A", Branch: "a", Status: task.StatusUnclaimed}}
	if err := store.Save(tasks, false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Simulate an external editor touching the file after our load.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	err := store.Save(tasks, false)
	if !errors.Is(err, errors.ErrStaleWrite) {
		t.Fatalf("got %v, want ErrStaleWrite", err)
	}

	// Forced write goes through.
	if err := store.Save(tasks, true); err != nil {
		t.Fatalf("forced Save: %v", err)
	}
}

func TestStoreUpdate(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "tasks.md"))
	tasks := []*task.Task{{ID: "a", Title: "A", Branch: "a", Status: task.StatusUnclaimed}}
	if err := store.Save(tasks, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := store.Update("a", func(t *task.Task) error {
		t.Status = task.StatusUpNext
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	loaded, _ := store.Load()
	if loaded[0].Status != task.StatusUpNext {
		t.Errorf("status = %s, want up_next", loaded[0].Status)
	}
	if loaded[0].UpdatedAt.IsZero() {
		t.Error("Update should bump updated_at")
	}

	if err := store.Update("ghost", func(*task.Task) error { return nil }); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("got %v, want ErrTaskNotFound", err)
	}
}

func TestStoreUpdateConcurrent(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "tasks.md"))
	tasks := []*task.Task{{ID: "a", Title: "A", Branch: "a", Status: task.StatusUnclaimed}}
	if err := store.Save(tasks, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const writers = 50
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Update("a", func(t *task.Task) error {
				t.Priority++
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded[0].Priority != writers {
		t.Errorf("priority = %d after %d Updates, want %d", loaded[0].Priority, writers, writers)
	}
}

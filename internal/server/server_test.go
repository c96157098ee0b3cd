package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splitmind/splitmind/internal/completion"
	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/coordination"
	"github.com/splitmind/splitmind/internal/event"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/orchestrator"
	"github.com/splitmind/splitmind/internal/task"
	"github.com/splitmind/splitmind/internal/taskstore"
	"github.com/splitmind/splitmind/internal/worktree"
)

type stubRunner struct {
	killed []string
}

func (f *stubRunner) SessionName(branch string) string { return "proj-" + branch }
func (f *stubRunner) Spawn(ctx context.Context, t *task.Task, workDir string) (string, error) {
	return "proj-" + t.Branch, nil
}
func (f *stubRunner) Kill(sessionName string)                             { f.killed = append(f.killed, sessionName) }
func (f *stubRunner) IsLive(ctx context.Context, sessionName string) bool { return false }
func (f *stubRunner) ListLive(ctx context.Context) ([]string, error)      { return nil, nil }
func (f *stubRunner) AttachCommand(sessionName string) string             { return "tmux attach" }

type stubWS struct{}

func (stubWS) Provision(ctx context.Context, branch, base string) (string, error) {
	return "/wt/" + branch, nil
}
func (stubWS) TearDown(ctx context.Context, branch string, deleteBranch bool) error { return nil }

type stubGit struct{ merged []string }

func (f *stubGit) Merge(ctx context.Context, branch string, strategy worktree.MergeStrategy) (string, error) {
	f.merged = append(f.merged, branch)
	return "sha-" + branch, nil
}
func (f *stubGit) IsMerged(ctx context.Context, branch string) (bool, error)            { return false, nil }
func (f *stubGit) TearDown(ctx context.Context, branch string, deleteBranch bool) error { return nil }

type env struct {
	srv   *httptest.Server
	store *taskstore.Store
	bus   *event.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store := taskstore.New(filepath.Join(dir, "tasks.md"))
	bus := event.NewBus(nil)
	registry := coordination.NewRegistry("proj", coordination.NewMemoryStore(), bus, nil)
	queue := mergequeue.New("proj", &stubGit{}, bus, mergequeue.Config{
		Strategy:       worktree.StrategyMerge,
		ConflictPolicy: mergequeue.PolicyHold,
		MergeTimeout:   time.Second,
	}, nil)
	det, err := completion.New(filepath.Join(dir, "status"), 10*time.Millisecond, logging.NopLogger())
	if err != nil {
		t.Fatalf("completion.New: %v", err)
	}

	cfg := config.Default().Orchestrator
	orch := orchestrator.New("proj", cfg, orchestrator.Deps{
		Store:    store,
		Queue:    queue,
		Registry: registry,
		Runner:   &stubRunner{},
		Worktree: stubWS{},
		Detector: det,
		Bus:      bus,
	})

	s := New(map[string]*orchestrator.Orchestrator{"proj": orch}, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)
	return &env{srv: srv, store: store, bus: bus}
}

func (e *env) seed(t *testing.T, tasks ...*task.Task) {
	t.Helper()
	for _, tk := range tasks {
		if tk.Status == "" {
			tk.Status = task.StatusUnclaimed
		}
	}
	if err := e.store.Save(tasks, true); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestListTasks(t *testing.T) {
	e := newEnv(t)
	e.seed(t,
		&task.Task{ID: "a", Title: "A", Branch: "feat-a"},
		&task.Task{ID: "b", Title: "B", Branch: "feat-b", Status: task.StatusCompleted},
	)

	resp := do(t, "GET", e.srv.URL+"/projects/proj/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	tasks := decode[[]taskPayload](t, resp)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[1].Status != "completed" {
		t.Errorf("task b status = %s", tasks[1].Status)
	}
}

func TestCreateTask(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := do(t, "POST", e.srv.URL+"/projects/proj/tasks", map[string]any{
		"title":       "Add rate limiting",
		"description": "Token bucket on the API layer",
		"priority":    3,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decode[taskPayload](t, resp)
	if created.ID != "add-rate-limiting" {
		t.Errorf("id = %q", created.ID)
	}
	if created.Branch != "add-rate-limiting" {
		t.Errorf("branch = %q", created.Branch)
	}
	if created.Status != "unclaimed" {
		t.Errorf("status = %q", created.Status)
	}

	// Same title again gets a suffixed id but needs a distinct branch.
	resp = do(t, "POST", e.srv.URL+"/projects/proj/tasks", map[string]any{
		"title":  "Add rate limiting",
		"branch": "rate-limit-v2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("second create status = %d", resp.StatusCode)
	}
	if second := decode[taskPayload](t, resp); second.ID != "add-rate-limiting-2" {
		t.Errorf("second id = %q", second.ID)
	}
}

func TestCreateTaskRejectsBadBranch(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := do(t, "POST", e.srv.URL+"/projects/proj/tasks", map[string]any{
		"title":  "Bad",
		"branch": "feat/with/slashes",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	perr := decode[errorPayload](t, resp)
	if perr.Kind != "validation" {
		t.Errorf("kind = %q", perr.Kind)
	}
}

func TestPatchTask(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &task.Task{ID: "a", Title: "A", Branch: "feat-a"})

	resp := do(t, "PUT", e.srv.URL+"/projects/proj/tasks/a", map[string]any{
		"priority":        5,
		"exclusive_files": []string{"api/handler.go"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	patched := decode[taskPayload](t, resp)
	if patched.Priority != 5 || len(patched.ExclusiveFiles) != 1 {
		t.Errorf("patch not applied: %+v", patched)
	}
}

func TestPatchTaskRejectsBadTransition(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &task.Task{ID: "a", Title: "A", Branch: "feat-a"})

	resp := do(t, "PUT", e.srv.URL+"/projects/proj/tasks/a", map[string]any{
		"status": "merged",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	e := newEnv(t)
	e.seed(t,
		&task.Task{ID: "a", Title: "A", Branch: "feat-a"},
		&task.Task{ID: "busy", Title: "Busy", Branch: "feat-busy",
			Status: task.StatusInProgress, Session: "proj-feat-busy"},
	)

	if resp := do(t, "DELETE", e.srv.URL+"/projects/proj/tasks/a", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	// A task with a live agent needs force.
	if resp := do(t, "DELETE", e.srv.URL+"/projects/proj/tasks/busy", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("in-progress delete status = %d, want 400", resp.StatusCode)
	}
	if resp := do(t, "DELETE", e.srv.URL+"/projects/proj/tasks/busy?force=true", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("forced delete status = %d", resp.StatusCode)
	}

	tasks, _ := e.store.Load()
	if len(tasks) != 0 {
		t.Errorf("tasks remaining: %d", len(tasks))
	}
}

func TestTaskNotFound(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	resp := do(t, "PUT", e.srv.URL+"/projects/proj/tasks/nope", map[string]any{"priority": 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	perr := decode[errorPayload](t, resp)
	if perr.Kind != "validation" {
		t.Errorf("kind = %q", perr.Kind)
	}
}

func TestUnknownProject(t *testing.T) {
	e := newEnv(t)
	resp := do(t, "GET", e.srv.URL+"/projects/ghost/tasks", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMergeEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t,
		&task.Task{ID: "a", Title: "A", Branch: "feat-a",
			Status: task.StatusCompleted, CompletedAt: time.Now()},
		&task.Task{ID: "b", Title: "B", Branch: "feat-b"},
	)

	// Only completed tasks merge.
	if resp := do(t, "POST", e.srv.URL+"/projects/proj/tasks/b/merge", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unclaimed merge status = %d, want 400", resp.StatusCode)
	}

	resp := do(t, "POST", e.srv.URL+"/projects/proj/tasks/a/merge", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("merge status = %d", resp.StatusCode)
	}
	if merged := decode[taskPayload](t, resp); merged.Status != "merged" {
		t.Errorf("status = %q, want merged", merged.Status)
	}
}

func TestMergePreviewOrder(t *testing.T) {
	e := newEnv(t)
	base := time.Now().Add(-time.Hour)
	e.seed(t,
		&task.Task{ID: "late", Title: "Late", Branch: "feat-late",
			Status: task.StatusCompleted, MergeOrder: 2, CompletedAt: base},
		&task.Task{ID: "early", Title: "Early", Branch: "feat-early",
			Status: task.StatusCompleted, MergeOrder: 1, CompletedAt: base.Add(time.Minute)},
		&task.Task{ID: "pending", Title: "Pending", Branch: "feat-pending"},
	)

	resp := do(t, "GET", e.srv.URL+"/projects/proj/merge/preview", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	seq := decode[[]taskPayload](t, resp)
	if len(seq) != 2 {
		t.Fatalf("preview len = %d, want 2", len(seq))
	}
	if seq[0].ID != "early" || seq[1].ID != "late" {
		t.Errorf("preview order = [%s %s], want [early late]", seq[0].ID, seq[1].ID)
	}
}

func TestResetEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seed(t, &task.Task{ID: "a", Title: "A", Branch: "feat-a",
		Status: task.StatusInProgress, Session: "proj-feat-a", RetryCount: 2})

	resp := do(t, "POST", e.srv.URL+"/projects/proj/tasks/a/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	reset := decode[taskPayload](t, resp)
	if reset.Status != "unclaimed" || reset.Session != "" || reset.RetryCount != 0 {
		t.Errorf("reset incomplete: %+v", reset)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	e := newEnv(t)

	resp := do(t, "GET", e.srv.URL+"/orchestrator/config?project=proj", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	cfg := decode[map[string]any](t, resp)
	if cfg["max_concurrent_agents"] != float64(4) {
		t.Errorf("max_concurrent_agents = %v", cfg["max_concurrent_agents"])
	}

	resp = do(t, "PUT", e.srv.URL+"/orchestrator/config?project=proj", map[string]any{
		"max_concurrent_agents": 7,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	cfg = decode[map[string]any](t, resp)
	if cfg["max_concurrent_agents"] != float64(7) {
		t.Errorf("update not applied: %v", cfg["max_concurrent_agents"])
	}

	// Single registered project: the parameter may be omitted.
	resp = do(t, "GET", e.srv.URL+"/orchestrator/config", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("paramless get status = %d", resp.StatusCode)
	}

	resp = do(t, "PUT", e.srv.URL+"/orchestrator/config?project=proj", map[string]any{
		"not_a_knob": 1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d, want 400", resp.StatusCode)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	e := newEnv(t)
	resp := do(t, "GET", e.srv.URL+"/projects/proj/agents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	e := newEnv(t)
	resp := do(t, "GET", e.srv.URL+"/projects/proj/coordination/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	stats := decode[map[string]any](t, resp)
	if _, ok := stats["total_agents"]; !ok {
		t.Errorf("stats missing total_agents: %v", stats)
	}
}

func TestLiveStream(t *testing.T) {
	e := newEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", e.srv.URL+"/projects/proj/coordination/live", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	e.bus.Publish(event.NewTaskStatusChangedEvent("a", "unclaimed", "up_next", ""))

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if data == "" {
		t.Fatal("no event received")
	}

	var envl struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &envl); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envl.Type != "task.status_changed" {
		t.Errorf("type = %q", envl.Type)
	}
}

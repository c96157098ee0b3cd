package mergequeue

import (
	"context"
	"testing"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/event"
	"github.com/splitmind/splitmind/internal/task"
	"github.com/splitmind/splitmind/internal/worktree"
)

// fakeIntegrator scripts merge outcomes per branch.
type fakeIntegrator struct {
	merged      []string
	tornDown    []string
	failBranch  map[string]error
	alreadyDone map[string]bool
	head        int
}

func newFakeIntegrator() *fakeIntegrator {
	return &fakeIntegrator{
		failBranch:  map[string]error{},
		alreadyDone: map[string]bool{},
	}
}

func (f *fakeIntegrator) Merge(_ context.Context, branch string, _ worktree.MergeStrategy) (string, error) {
	if err := f.failBranch[branch]; err != nil {
		return "", err
	}
	f.merged = append(f.merged, branch)
	f.head++
	return string(rune('a' + f.head)), nil
}

func (f *fakeIntegrator) IsMerged(_ context.Context, branch string) (bool, error) {
	return f.alreadyDone[branch], nil
}

func (f *fakeIntegrator) TearDown(_ context.Context, branch string, _ bool) error {
	f.tornDown = append(f.tornDown, branch)
	return nil
}

func completedTask(id string, mergeOrder int, completedAt time.Time, mutate ...func(*task.Task)) *task.Task {
	t := &task.Task{
		ID:          id,
		Title:       id,
		Branch:      id,
		Status:      task.StatusCompleted,
		MergeOrder:  mergeOrder,
		CompletedAt: completedAt,
	}
	for _, m := range mutate {
		m(t)
	}
	return t
}

func newQueue(t *testing.T, fake *fakeIntegrator, cfg Config) (*Queue, *event.Bus) {
	t.Helper()
	bus := event.NewBus(nil)
	t.Cleanup(bus.Close)
	return New("proj", fake, bus, cfg, nil), bus
}

func TestMergesInDeclaredOrder(t *testing.T) {
	fake := newFakeIntegrator()
	q, _ := newQueue(t, fake, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := completedTask("a", 1, base)
	b := completedTask("b", 2, base)
	tasks := []*task.Task{b, a}

	res := q.Step(context.Background(), tasks, nil)
	if res.Outcome != OutcomeMerged || res.Task.ID != "a" {
		t.Fatalf("first step = %+v, want a merged", res)
	}
	a.Status = task.StatusMerged

	res = q.Step(context.Background(), tasks, nil)
	if res.Outcome != OutcomeMerged || res.Task.ID != "b" {
		t.Fatalf("second step = %+v, want b merged", res)
	}
	if fake.merged[0] != "a" || fake.merged[1] != "b" {
		t.Errorf("merge order = %v", fake.merged)
	}
	if len(fake.tornDown) != 2 {
		t.Errorf("both branches torn down, got %v", fake.tornDown)
	}
}

func TestCompletedAtBreaksTies(t *testing.T) {
	fake := newFakeIntegrator()
	q, _ := newQueue(t, fake, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	early := completedTask("zz-early", 1, base)
	late := completedTask("aa-late", 1, base.Add(time.Minute))

	res := q.Step(context.Background(), []*task.Task{late, early}, nil)
	if res.Task.ID != "zz-early" {
		t.Errorf("merged %s, want zz-early", res.Task.ID)
	}
}

func TestUnmergedDependencyBlocks(t *testing.T) {
	fake := newFakeIntegrator()
	q, _ := newQueue(t, fake, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	dep := &task.Task{ID: "dep", Branch: "dep", Status: task.StatusInProgress, Session: "s"}
	blocked := completedTask("blocked", 1, base, func(tk *task.Task) {
		tk.Dependencies = []string{"dep"}
	})
	free := completedTask("free", 2, base)

	// The blocked entry does not head-of-line block the free one.
	res := q.Step(context.Background(), []*task.Task{dep, blocked, free}, nil)
	if res.Outcome != OutcomeMerged || res.Task.ID != "free" {
		t.Fatalf("step = %+v, want free merged", res)
	}
}

func TestLiveLockBlocksMerge(t *testing.T) {
	fake := newFakeIntegrator()
	q, _ := newQueue(t, fake, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	locked := completedTask("locked", 1, base, func(tk *task.Task) {
		tk.ExclusiveFiles = []string{"config.ts"}
	})

	res := q.Step(context.Background(), []*task.Task{locked}, map[string]string{"config.ts": "s9"})
	if res.Outcome != OutcomeNothing {
		t.Fatalf("step = %+v, want nothing while the lock is live", res)
	}

	res = q.Step(context.Background(), []*task.Task{locked}, nil)
	if res.Outcome != OutcomeMerged {
		t.Fatalf("step = %+v, want merged after release", res)
	}
}

func TestConflictPolicyResetTask(t *testing.T) {
	fake := newFakeIntegrator()
	fake.failBranch["bad"] = errors.Wrap(errors.ErrMergeConflict, "bad: x.go")
	q, bus := newQueue(t, fake, Config{ConflictPolicy: PolicyResetTask})
	sub := bus.Subscribe("merge.failed")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	bad := completedTask("bad", 1, base)
	next := completedTask("next", 2, base)

	res := q.Step(context.Background(), []*task.Task{bad, next}, nil)
	if res.Outcome != OutcomeConflict || res.Policy != PolicyResetTask {
		t.Fatalf("step = %+v", res)
	}
	if len(fake.tornDown) != 1 || fake.tornDown[0] != "bad" {
		t.Errorf("reset_task must tear down the branch: %v", fake.tornDown)
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("no merge.failed event")
	}

	// Queue continues with the next mergeable task.
	bad.Status = task.StatusUnclaimed
	res = q.Step(context.Background(), []*task.Task{bad, next}, nil)
	if res.Outcome != OutcomeMerged || res.Task.ID != "next" {
		t.Fatalf("step = %+v, want next merged", res)
	}
}

func TestConflictPolicyAbortHaltsQueue(t *testing.T) {
	fake := newFakeIntegrator()
	fake.failBranch["bad"] = errors.Wrap(errors.ErrMergeConflict, "bad")
	q, _ := newQueue(t, fake, Config{ConflictPolicy: PolicyAbort})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	bad := completedTask("bad", 1, base)
	next := completedTask("next", 2, base)
	tasks := []*task.Task{bad, next}

	res := q.Step(context.Background(), tasks, nil)
	if res.Outcome != OutcomeConflict {
		t.Fatalf("step = %+v", res)
	}

	halted, haltErr := q.Halted()
	if !halted || haltErr == nil {
		t.Fatal("queue should be halted with the conflict error")
	}

	res = q.Step(context.Background(), tasks, nil)
	if res.Outcome != OutcomeNothing || !errors.Is(res.Err, errors.ErrQueueHalted) {
		t.Fatalf("halted queue must refuse work: %+v", res)
	}

	q.Acknowledge()
	delete(fake.failBranch, "bad")
	res = q.Step(context.Background(), tasks, nil)
	if res.Outcome != OutcomeMerged {
		t.Fatalf("step after acknowledge = %+v", res)
	}
}

func TestConflictPolicyHoldKeepsWorkingCopy(t *testing.T) {
	fake := newFakeIntegrator()
	fake.failBranch["bad"] = errors.Wrap(errors.ErrMergeConflict, "bad")
	q, _ := newQueue(t, fake, Config{ConflictPolicy: PolicyHold})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res := q.Step(context.Background(), []*task.Task{completedTask("bad", 1, base)}, nil)
	if res.Outcome != OutcomeConflict || res.Policy != PolicyHold {
		t.Fatalf("step = %+v", res)
	}
	if len(fake.tornDown) != 0 {
		t.Errorf("hold must keep the working copy: %v", fake.tornDown)
	}
	if halted, _ := q.Halted(); halted {
		t.Error("hold must not halt the queue")
	}
}

func TestIdempotentReplayOfMergedBranch(t *testing.T) {
	fake := newFakeIntegrator()
	fake.alreadyDone["a"] = true
	q, _ := newQueue(t, fake, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res := q.Step(context.Background(), []*task.Task{completedTask("a", 1, base)}, nil)
	if res.Outcome != OutcomeMerged {
		t.Fatalf("step = %+v", res)
	}
	if len(fake.merged) != 0 {
		t.Errorf("already-integrated branch must not be merged again: %v", fake.merged)
	}
	if len(fake.tornDown) != 1 {
		t.Errorf("teardown still completes on replay: %v", fake.tornDown)
	}
}

func TestPreviewOrdersWithoutExecuting(t *testing.T) {
	fake := newFakeIntegrator()
	q, _ := newQueue(t, fake, Config{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	dep := &task.Task{ID: "dep", Branch: "dep", Status: task.StatusInProgress, Session: "s"}
	waiting := completedTask("waiting", 1, base, func(tk *task.Task) {
		tk.Dependencies = []string{"dep"}
	})
	ready := completedTask("ready", 2, base)

	seq := q.Preview([]*task.Task{dep, waiting, ready}, nil)
	if len(seq) != 2 {
		t.Fatalf("preview = %v", seq)
	}
	if seq[0].ID != "ready" || seq[1].ID != "waiting" {
		t.Errorf("preview order = [%s %s], want mergeable first", seq[0].ID, seq[1].ID)
	}
	if len(fake.merged) != 0 {
		t.Error("preview must not execute merges")
	}
}

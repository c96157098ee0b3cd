package scheduler

import (
	"testing"
	"time"

	"github.com/splitmind/splitmind/internal/task"
)

func mkTask(id string, status task.Status, mutate ...func(*task.Task)) *task.Task {
	t := &task.Task{
		ID:        id,
		Title:     id,
		Branch:    id,
		Status:    status,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, m := range mutate {
		m(t)
	}
	return t
}

func ids(tasks []*task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a []*task.Task, want ...string) bool {
	got := ids(a)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestParallelIndependentTasks(t *testing.T) {
	s := New(Config{MaxConcurrent: 2}, nil)
	tasks := []*task.Task{
		mkTask("a", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 5
			tk.MergeOrder = 1
			tk.ExclusiveFiles = []string{"x.txt"}
		}),
		mkTask("b", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 5
			tk.MergeOrder = 2
			tk.ExclusiveFiles = []string{"y.txt"}
		}),
	}

	plan := s.Plan(tasks)
	if !equalIDs(plan.Start, "a", "b") {
		t.Errorf("Start = %v, want [a b]", ids(plan.Start))
	}
	if !equalIDs(plan.Promote, "a", "b") {
		t.Errorf("Promote = %v, want [a b]", ids(plan.Promote))
	}
}

func TestDependencyGating(t *testing.T) {
	s := New(Config{MaxConcurrent: 5}, nil)
	foundation := mkTask("foundation", task.StatusUnclaimed)
	feature := mkTask("feature", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Dependencies = []string{"foundation"}
	})

	plan := s.Plan([]*task.Task{foundation, feature})
	if !equalIDs(plan.Start, "foundation") {
		t.Errorf("Start = %v, want only foundation", ids(plan.Start))
	}

	// Once the dependency completes, the feature becomes eligible.
	foundation.Status = task.StatusCompleted
	plan = s.Plan([]*task.Task{foundation, feature})
	if !equalIDs(plan.Start, "feature") {
		t.Errorf("Start = %v, want feature after foundation completed", ids(plan.Start))
	}
}

func TestFileOwnershipConflict(t *testing.T) {
	s := New(Config{MaxConcurrent: 5}, nil)
	a := mkTask("a", task.StatusUnclaimed, func(tk *task.Task) {
		tk.ExclusiveFiles = []string{"config.json"}
	})
	b := mkTask("b", task.StatusUnclaimed, func(tk *task.Task) {
		tk.ExclusiveFiles = []string{"config.json"}
	})

	plan := s.Plan([]*task.Task{a, b})
	if len(plan.Start) != 1 {
		t.Fatalf("exactly one of the conflicting tasks may start, got %v", ids(plan.Start))
	}

	// With the winner running, the loser still waits.
	a.Status = task.StatusInProgress
	a.Session = "s-a"
	plan = s.Plan([]*task.Task{a, b})
	if len(plan.Start) != 0 || len(plan.Promote) != 0 {
		t.Errorf("b must wait while a runs: start=%v promote=%v", ids(plan.Start), ids(plan.Promote))
	}

	// After a completes, b is free.
	a.Status = task.StatusCompleted
	a.Session = ""
	plan = s.Plan([]*task.Task{a, b})
	if !equalIDs(plan.Start, "b") {
		t.Errorf("Start = %v, want b", ids(plan.Start))
	}
}

func TestSharedFilesBlockExclusiveClaim(t *testing.T) {
	s := New(Config{MaxConcurrent: 5}, nil)
	running := mkTask("running", task.StatusInProgress, func(tk *task.Task) {
		tk.Session = "s-r"
		tk.SharedFiles = []string{"schema.sql"}
	})
	want := mkTask("want", task.StatusUnclaimed, func(tk *task.Task) {
		tk.ExclusiveFiles = []string{"schema.sql"}
	})

	plan := s.Plan([]*task.Task{running, want})
	if len(plan.Start) != 0 {
		t.Errorf("exclusive claim must wait for a running shared reader: %v", ids(plan.Start))
	}
}

func TestConcurrencyBudget(t *testing.T) {
	s := New(Config{MaxConcurrent: 2, Lookahead: 2}, nil)
	tasks := []*task.Task{
		mkTask("r1", task.StatusInProgress, func(tk *task.Task) { tk.Session = "s1" }),
		mkTask("r2", task.StatusInProgress, func(tk *task.Task) { tk.Session = "s2" }),
		mkTask("w1", task.StatusUnclaimed),
		mkTask("w2", task.StatusUnclaimed),
		mkTask("w3", task.StatusUnclaimed),
	}

	plan := s.Plan(tasks)
	if len(plan.Start) != 0 {
		t.Errorf("budget full, nothing may start: %v", ids(plan.Start))
	}
	if !equalIDs(plan.Promote, "w1", "w2") {
		t.Errorf("lookahead reserves two: %v", ids(plan.Promote))
	}
}

func TestSelectionOrdering(t *testing.T) {
	s := New(Config{MaxConcurrent: 4}, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []*task.Task{
		mkTask("late-low", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 1
			tk.CreatedAt = base.Add(time.Hour)
		}),
		mkTask("zz-high", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 9
		}),
		mkTask("aa-high", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 9
		}),
		mkTask("mid-early-order", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 5
			tk.MergeOrder = 1
		}),
		mkTask("mid-late-order", task.StatusUnclaimed, func(tk *task.Task) {
			tk.Priority = 5
			tk.MergeOrder = 2
		}),
	}

	plan := s.Plan(tasks)
	if !equalIDs(plan.Start, "aa-high", "zz-high", "mid-early-order", "mid-late-order") {
		t.Errorf("Start order = %v", ids(plan.Start))
	}
}

func TestUpNextStartsBeforeNewReservations(t *testing.T) {
	s := New(Config{MaxConcurrent: 1}, nil)
	reserved := mkTask("reserved", task.StatusUpNext)
	newcomer := mkTask("newcomer", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Priority = 99
	})

	plan := s.Plan([]*task.Task{reserved, newcomer})
	if !equalIDs(plan.Start, "reserved") {
		t.Errorf("the reserved task starts first: %v", ids(plan.Start))
	}
}

func TestDemoteUpNextWithBrokenDependency(t *testing.T) {
	s := New(Config{MaxConcurrent: 2}, nil)
	orphan := mkTask("orphan", task.StatusUpNext, func(tk *task.Task) {
		tk.Dependencies = []string{"deleted-task"}
	})

	plan := s.Plan([]*task.Task{orphan})
	if !equalIDs(plan.Demote, "orphan") {
		t.Errorf("Demote = %v, want orphan", ids(plan.Demote))
	}
	if len(plan.Start) != 0 {
		t.Errorf("a demoted task must not start: %v", ids(plan.Start))
	}
}

func TestBlockedTasksSkipped(t *testing.T) {
	s := New(Config{MaxConcurrent: 2}, nil)
	blocked := mkTask("blocked", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Blocked = true
	})

	plan := s.Plan([]*task.Task{blocked})
	if len(plan.Start) != 0 || len(plan.Promote) != 0 {
		t.Errorf("blocked task scheduled: start=%v promote=%v", ids(plan.Start), ids(plan.Promote))
	}
}

func TestStarvationBoost(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(3 * time.Hour)
	s := New(Config{MaxConcurrent: 1, StarvationTTL: time.Hour}, func() time.Time { return now })

	starving := mkTask("starving", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Priority = 1
		tk.CreatedAt = base
		tk.UpdatedAt = base
	})
	fresh := mkTask("fresh", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Priority = 3
		tk.CreatedAt = now
		tk.UpdatedAt = now
	})

	// 3 elapsed TTLs give +3: starving's effective priority 4 beats 3.
	plan := s.Plan([]*task.Task{fresh, starving})
	if !equalIDs(plan.Start, "starving") {
		t.Errorf("Start = %v, want the starving task first", ids(plan.Start))
	}
}

func TestStarvationBoostBounded(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(1000 * time.Hour)
	s := New(Config{MaxConcurrent: 1, StarvationTTL: time.Hour}, func() time.Time { return now })

	ancient := mkTask("ancient", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Priority = 0
		tk.CreatedAt = base
		tk.UpdatedAt = base
	})
	urgent := mkTask("urgent", task.StatusUnclaimed, func(tk *task.Task) {
		tk.Priority = MaxStarvationBoost + 1
		tk.CreatedAt = now
		tk.UpdatedAt = now
	})

	plan := s.Plan([]*task.Task{ancient, urgent})
	if !equalIDs(plan.Start, "urgent") {
		t.Errorf("Start = %v, the boost must stay bounded", ids(plan.Start))
	}
}

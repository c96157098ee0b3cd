// Package scheduler decides which tasks run next under concurrency,
// dependency, and file-ownership constraints.
//
// The scheduler is deliberately pure: Plan inspects a snapshot of the task
// list and returns the promotions and demotions to perform. Enactment
// (spawning, persisting) belongs to the orchestrator so decisions stay
// fast and lock-free.
package scheduler

import (
	"sort"
	"time"

	"github.com/splitmind/splitmind/internal/task"
)

// MaxStarvationBoost caps the anti-starvation priority bonus so a stale
// low-priority task can age past peers but not past everything forever.
const MaxStarvationBoost = 5

// Config holds the scheduling knobs.
type Config struct {
	// MaxConcurrent bounds tasks in IN_PROGRESS.
	MaxConcurrent int
	// Lookahead bounds tasks reserved in UP_NEXT. Zero means MaxConcurrent.
	Lookahead int
	// StarvationTTL grants +1 effective priority per elapsed interval a
	// task spends UNCLAIMED. Zero disables aging.
	StarvationTTL time.Duration
}

// Plan is one scheduling decision over a task snapshot.
type Plan struct {
	// Promote lists UNCLAIMED tasks to move to UP_NEXT, in start order.
	Promote []*task.Task
	// Start lists UP_NEXT tasks ready to spawn now, in start order.
	Start []*task.Task
	// Demote lists UP_NEXT tasks whose dependencies are no longer valid;
	// they return to UNCLAIMED.
	Demote []*task.Task
}

// Scheduler computes Plans. Safe for concurrent use; it holds no state
// beyond configuration.
type Scheduler struct {
	cfg Config
	now func() time.Time
}

// New creates a Scheduler. A nil clock uses time.Now.
func New(cfg Config, clock func() time.Time) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = cfg.MaxConcurrent
	}
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{cfg: cfg, now: clock}
}

// Plan computes the next scheduling step for a snapshot of the task list.
func (s *Scheduler) Plan(tasks []*task.Task) Plan {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var plan Plan
	var inProgress, upNext []*task.Task
	for _, t := range tasks {
		switch t.Status {
		case task.StatusInProgress:
			inProgress = append(inProgress, t)
		case task.StatusUpNext:
			if !depsSatisfied(t, byID) {
				plan.Demote = append(plan.Demote, t)
				continue
			}
			upNext = append(upNext, t)
		}
	}

	// Reserved file ownership: everything running or about to run.
	reserved := append(append([]*task.Task{}, inProgress...), upNext...)

	// Start from the existing UP_NEXT pool, best first.
	sort.SliceStable(upNext, func(i, j int) bool { return s.less(upNext[i], upNext[j]) })
	startBudget := s.cfg.MaxConcurrent - len(inProgress)
	for _, t := range upNext {
		if startBudget <= 0 {
			break
		}
		plan.Start = append(plan.Start, t)
		startBudget--
	}

	// Fill the UP_NEXT lookahead from eligible UNCLAIMED tasks.
	reserveBudget := s.cfg.Lookahead - (len(upNext) - len(plan.Start))
	// Reservations may also start immediately if the running budget allows.
	var candidates []*task.Task
	for _, t := range tasks {
		if t.Status == task.StatusUnclaimed && !t.Blocked && depsSatisfied(t, byID) {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return s.less(candidates[i], candidates[j]) })

	for _, t := range candidates {
		if reserveBudget <= 0 && startBudget <= 0 {
			break
		}
		if overlapsAny(t, reserved) {
			continue
		}
		if startBudget > 0 {
			plan.Promote = append(plan.Promote, t)
			plan.Start = append(plan.Start, t)
			startBudget--
		} else if reserveBudget > 0 {
			plan.Promote = append(plan.Promote, t)
			reserveBudget--
		}
		reserved = append(reserved, t)
	}

	return plan
}

// less orders tasks by effective priority desc, merge_order asc,
// created_at asc, then id.
func (s *Scheduler) less(a, b *task.Task) bool {
	pa, pb := s.effectivePriority(a), s.effectivePriority(b)
	if pa != pb {
		return pa > pb
	}
	if a.MergeOrder != b.MergeOrder {
		return a.MergeOrder < b.MergeOrder
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Scheduler) effectivePriority(t *task.Task) int {
	p := t.Priority
	if s.cfg.StarvationTTL <= 0 || t.Status != task.StatusUnclaimed || t.CreatedAt.IsZero() {
		return p
	}
	waited := s.now().Sub(lastActivity(t))
	boost := int(waited / s.cfg.StarvationTTL)
	if boost > MaxStarvationBoost {
		boost = MaxStarvationBoost
	}
	return p + boost
}

// lastActivity is when the task last changed; aging counts from there so
// a reset task does not inherit its previous wait.
func lastActivity(t *task.Task) time.Time {
	if !t.UpdatedAt.IsZero() {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

// depsSatisfied reports whether every dependency has reached at least
// COMPLETED. Unknown dependency ids fail the check.
func depsSatisfied(t *task.Task, byID map[string]*task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok {
			return false
		}
		if d.Status != task.StatusCompleted && d.Status != task.StatusMerged {
			return false
		}
	}
	return true
}

// overlapsAny reports whether t's declared files collide with any
// reserved task's, in either direction.
func overlapsAny(t *task.Task, reserved []*task.Task) bool {
	for _, r := range reserved {
		if overlaps(t, r) {
			return true
		}
	}
	return false
}

// overlaps checks the bidirectional ownership rule: a task's exclusive
// files may not intersect another running task's exclusive or shared set.
func overlaps(a, b *task.Task) bool {
	if intersects(a.ExclusiveFiles, b.ExclusiveFiles) {
		return true
	}
	if intersects(a.ExclusiveFiles, b.SharedFiles) {
		return true
	}
	if intersects(b.ExclusiveFiles, a.SharedFiles) {
		return true
	}
	return false
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, p := range a {
		set[p] = true
	}
	for _, p := range b {
		if set[p] {
			return true
		}
	}
	return false
}

// Package mergequeue integrates completed branches into the mainline, one
// at a time, in declared order.
package mergequeue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/event"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/task"
	"github.com/splitmind/splitmind/internal/worktree"
)

// DefaultMergeTimeout bounds one merge attempt.
const DefaultMergeTimeout = 120 * time.Second

// ConflictPolicy selects what happens to a task whose merge fails.
type ConflictPolicy string

const (
	// PolicyAbort halts the queue until an operator acknowledges.
	PolicyAbort ConflictPolicy = "abort"
	// PolicyResetTask deletes the branch and returns the task to unclaimed.
	PolicyResetTask ConflictPolicy = "reset_task"
	// PolicyHold leaves the task completed for manual intervention.
	PolicyHold ConflictPolicy = "hold"
)

// ValidPolicy reports whether p is a recognized conflict policy.
func ValidPolicy(p ConflictPolicy) bool {
	return p == PolicyAbort || p == PolicyResetTask || p == PolicyHold
}

// integrator is the slice of worktree.Manager the queue needs. Narrowed
// for fakes in tests.
type integrator interface {
	Merge(ctx context.Context, branch string, strategy worktree.MergeStrategy) (string, error)
	IsMerged(ctx context.Context, branch string) (bool, error)
	TearDown(ctx context.Context, branch string, deleteBranch bool) error
}

// Config holds the queue's knobs.
type Config struct {
	Strategy       worktree.MergeStrategy
	ConflictPolicy ConflictPolicy
	MergeTimeout   time.Duration
}

// Outcome classifies the result of one merge step.
type Outcome string

const (
	// OutcomeMerged means the branch is integrated and torn down.
	OutcomeMerged Outcome = "merged"
	// OutcomeConflict means the merge failed; Policy says what was done.
	OutcomeConflict Outcome = "conflict"
	// OutcomeNothing means no task was mergeable this step.
	OutcomeNothing Outcome = "nothing"
)

// StepResult reports what one Step did.
type StepResult struct {
	Outcome Outcome
	Task    *task.Task
	// HeadSHA is the new mainline head after a successful merge.
	HeadSHA string
	// Policy is the conflict policy that was applied on failure.
	Policy ConflictPolicy
	Err    error
}

// Queue orders and executes merges for one project. Merges are serialized
// by the queue mutex: two merges are never in flight simultaneously.
type Queue struct {
	project string
	wt      integrator
	bus     *event.Bus
	logger  *logging.Logger
	cfg     Config

	mu      sync.Mutex
	halted  bool
	haltErr error
}

// New creates a Queue.
func New(project string, wt integrator, bus *event.Bus, cfg Config, logger *logging.Logger) *Queue {
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = DefaultMergeTimeout
	}
	if cfg.Strategy == "" {
		cfg.Strategy = worktree.StrategyMerge
	}
	if !ValidPolicy(cfg.ConflictPolicy) {
		cfg.ConflictPolicy = PolicyHold
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Queue{
		project: project,
		wt:      wt,
		bus:     bus,
		logger:  logger.WithComponent("mergequeue").WithProject(project),
		cfg:     cfg,
	}
}

// Halted reports whether a previous conflict under PolicyAbort stopped
// the queue, and the error that did it.
func (q *Queue) Halted() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted, q.haltErr
}

// Acknowledge clears a halt so the queue may run again.
func (q *Queue) Acknowledge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.halted = false
	q.haltErr = nil
}

// Preview returns the candidate merge sequence for a snapshot without
// executing anything: completed tasks in queue order, mergeable first.
func (q *Queue) Preview(tasks []*task.Task, lockedPaths map[string]string) []*task.Task {
	candidates := queueOrder(tasks)
	byID := indexByID(tasks)

	var mergeable, waiting []*task.Task
	for _, t := range candidates {
		if isMergeable(t, byID, lockedPaths) {
			mergeable = append(mergeable, t)
		} else {
			waiting = append(waiting, t)
		}
	}
	return append(mergeable, waiting...)
}

// Next returns the first mergeable candidate, or nil. A later entry may
// overtake a blocked one; anything depending on the blocked entry is
// itself not mergeable, so dependency order is preserved.
func (q *Queue) Next(tasks []*task.Task, lockedPaths map[string]string) *task.Task {
	byID := indexByID(tasks)
	for _, t := range queueOrder(tasks) {
		if isMergeable(t, byID, lockedPaths) {
			return t
		}
	}
	return nil
}

// Step merges the first mergeable task, applying the conflict policy on
// failure. The caller persists the resulting status change; Step performs
// the git work, teardown, and events.
func (q *Queue) Step(ctx context.Context, tasks []*task.Task, lockedPaths map[string]string) StepResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.halted {
		return StepResult{Outcome: OutcomeNothing, Err: errors.Wrap(errors.ErrQueueHalted, q.project)}
	}

	t := q.Next(tasks, lockedPaths)
	if t == nil {
		return StepResult{Outcome: OutcomeNothing}
	}
	return q.merge(ctx, t)
}

func (q *Queue) merge(ctx context.Context, t *task.Task) StepResult {
	log := q.logger.WithTask(t.ID)

	// Idempotent replay: a crash between merge and persist leaves the
	// branch already integrated.
	if merged, err := q.wt.IsMerged(ctx, t.Branch); err == nil && merged {
		log.Info("branch already integrated, completing teardown")
		_ = q.wt.TearDown(ctx, t.Branch, true)
		q.publish(event.NewMergeCompletedEvent(t.ID, t.Branch, string(q.cfg.Strategy), ""))
		return StepResult{Outcome: OutcomeMerged, Task: t}
	}

	mctx, cancel := context.WithTimeout(ctx, q.cfg.MergeTimeout)
	defer cancel()

	head, err := q.wt.Merge(mctx, t.Branch, q.cfg.Strategy)
	if err != nil {
		if mctx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(errors.ErrMergeTimeout, "%s after %s", t.Branch, q.cfg.MergeTimeout)
		}
		return q.handleConflict(ctx, t, err)
	}

	if err := q.wt.TearDown(ctx, t.Branch, true); err != nil {
		log.Warn("teardown after merge failed", "error", err)
	}

	log.Info("branch merged", "branch", t.Branch, "head", head)
	q.publish(event.NewMergeCompletedEvent(t.ID, t.Branch, string(q.cfg.Strategy), head))
	return StepResult{Outcome: OutcomeMerged, Task: t, HeadSHA: head}
}

func (q *Queue) handleConflict(ctx context.Context, t *task.Task, mergeErr error) StepResult {
	log := q.logger.WithTask(t.ID)
	log.Warn("merge failed", "branch", t.Branch, "policy", string(q.cfg.ConflictPolicy), "error", mergeErr)
	q.publish(event.NewMergeFailedEvent(t.ID, t.Branch, string(q.cfg.ConflictPolicy), mergeErr.Error()))

	res := StepResult{
		Outcome: OutcomeConflict,
		Task:    t,
		Policy:  q.cfg.ConflictPolicy,
		Err:     mergeErr,
	}

	switch q.cfg.ConflictPolicy {
	case PolicyResetTask:
		// Branch and working copy go away; the task restarts from scratch.
		if err := q.wt.TearDown(ctx, t.Branch, true); err != nil {
			log.Warn("teardown after conflict failed", "error", err)
		}
	case PolicyAbort:
		q.halted = true
		q.haltErr = mergeErr
	case PolicyHold:
		// Working copy stays for manual resolution.
	}
	return res
}

func (q *Queue) publish(ev event.Event) {
	if q.bus != nil {
		q.bus.Publish(ev)
	}
}

// queueOrder returns completed tasks sorted by merge_order asc, then
// completed_at asc, then id.
func queueOrder(tasks []*task.Task) []*task.Task {
	var out []*task.Task
	for _, t := range tasks {
		if t.Status == task.StatusCompleted {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MergeOrder != b.MergeOrder {
			return a.MergeOrder < b.MergeOrder
		}
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func indexByID(tasks []*task.Task) map[string]*task.Task {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// isMergeable requires every dependency merged and no live lock on any
// file the task touched.
func isMergeable(t *task.Task, byID map[string]*task.Task, lockedPaths map[string]string) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusMerged {
			return false
		}
	}
	for _, p := range t.TouchedFiles() {
		if _, held := lockedPaths[p]; held {
			return false
		}
	}
	return true
}

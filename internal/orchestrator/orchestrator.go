// Package orchestrator runs the per-project supervising loop: it ties the
// task store, scheduler, session runner, completion detector, coordination
// registry, and merge queue together and owns every task status transition.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/splitmind/splitmind/internal/completion"
	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/coordination"
	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/event"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/scheduler"
	"github.com/splitmind/splitmind/internal/task"
	"github.com/splitmind/splitmind/internal/taskstore"
)

// DefaultShutdownGrace is how long agents get to stop before force-kill.
const DefaultShutdownGrace = 30 * time.Second

// sessionRunner is the slice of session.Runner the loop needs.
type sessionRunner interface {
	SessionName(branch string) string
	Spawn(ctx context.Context, t *task.Task, workDir string) (string, error)
	Kill(sessionName string)
	IsLive(ctx context.Context, sessionName string) bool
	ListLive(ctx context.Context) ([]string, error)
	AttachCommand(sessionName string) string
}

// workspaces is the slice of worktree.Manager the loop needs.
type workspaces interface {
	Provision(ctx context.Context, branch, base string) (string, error)
	TearDown(ctx context.Context, branch string, deleteBranch bool) error
}

// Orchestrator supervises one project.
type Orchestrator struct {
	project  string
	store    *taskstore.Store
	sched    *scheduler.Scheduler
	queue    *mergequeue.Queue
	registry *coordination.Registry
	runner   sessionRunner
	ws       workspaces
	detector *completion.Detector
	bus      *event.Bus
	logger   *logging.Logger

	mu      sync.Mutex
	cfg     config.OrchestratorConfig
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// pendingEvents stages events during a store update; they are
	// published only after the save succeeds.
	pendingMu     sync.Mutex
	pendingEvents []event.Event

	// lastSweep rate-limits the orphan marker sweep to once an hour.
	lastSweep time.Time
}

// Deps bundles the collaborators for New.
type Deps struct {
	Store    *taskstore.Store
	Queue    *mergequeue.Queue
	Registry *coordination.Registry
	Runner   sessionRunner
	Worktree workspaces
	Detector *completion.Detector
	Bus      *event.Bus
	Logger   *logging.Logger
}

// New creates an Orchestrator for a project.
func New(project string, cfg config.OrchestratorConfig, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Orchestrator{
		project:  project,
		store:    deps.Store,
		sched:    newScheduler(cfg),
		queue:    deps.Queue,
		registry: deps.Registry,
		runner:   deps.Runner,
		ws:       deps.Worktree,
		detector: deps.Detector,
		bus:      deps.Bus,
		logger:   logger.WithComponent("orchestrator").WithProject(project),
		cfg:      cfg,
	}
}

func newScheduler(cfg config.OrchestratorConfig) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrentAgents,
		StarvationTTL: cfg.StarvationTTL(),
	}, nil)
}

// Project returns the project this orchestrator supervises.
func (o *Orchestrator) Project() string { return o.project }

// Store exposes the task store for the control plane.
func (o *Orchestrator) Store() *taskstore.Store { return o.store }

// Registry exposes the coordination registry for the control plane.
func (o *Orchestrator) Registry() *coordination.Registry { return o.registry }

// Bus exposes the event bus for the control plane's live stream.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// AttachCommand returns the shell command to attach to a session.
func (o *Orchestrator) AttachCommand(session string) string {
	return o.runner.AttachCommand(session)
}

// KillSession stops a session and releases its coordination state.
func (o *Orchestrator) KillSession(ctx context.Context, session string) {
	o.runner.Kill(session)
	o.publish(event.NewSessionKilledEvent(session, "user_request"))
	if err := o.registry.Unregister(ctx, session); err != nil && !errors.Is(err, errors.ErrAgentNotFound) {
		o.logger.Warn("unregister killed session", "session", session, "error", err)
	}
}

// Config returns the current runtime knobs.
func (o *Orchestrator) Config() config.OrchestratorConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig patches the runtime knobs; unknown keys are rejected.
func (o *Orchestrator) UpdateConfig(updates map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.cfg.ApplyUpdate(updates); err != nil {
		return err
	}
	o.sched = newScheduler(o.cfg)
	return nil
}

// Running reports whether the loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start launches the loop. It reconciles state left by a previous run
// before the first tick.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	if err := o.reconcile(ctx); err != nil {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
		cancel()
		return err
	}

	if err := o.detector.Start(); err != nil {
		o.logger.Warn("completion detector start", "error", err)
	}
	o.detector.Scan()

	go o.loop(ctx)
	o.publish(event.NewOrchestratorStateEvent(o.project, "started", ""))
	o.logger.Info("orchestrator started")
	return nil
}

// Stop halts the loop, giving agents a grace period before force-kill.
func (o *Orchestrator) Stop(grace time.Duration) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	done := o.done
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(grace):
	}

	o.detector.Stop()

	// Graceful kill of every live session; the runner handles Ctrl+C,
	// the wait, and the force-kill fallback per session.
	ctx, cancelList := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelList()
	if live, err := o.runner.ListLive(ctx); err == nil {
		for _, name := range live {
			o.runner.Kill(name)
		}
	}

	o.publish(event.NewOrchestratorStateEvent(o.project, "stopped", ""))
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	cfg := o.Config()
	ticker := time.NewTicker(cfg.AutoSpawnInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-o.detector.Markers():
			if err := o.handleMarker(ctx, m); err != nil {
				o.logger.Error("handle completion marker", "session", m.Session, "error", err)
			}
			// A completion frees budget and may unblock merges.
			o.Tick(ctx)
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one full supervision pass: schedule, check heartbeats, sweep
// orphan markers, and advance the merge queue.
func (o *Orchestrator) Tick(ctx context.Context) {
	if err := o.schedule(ctx); err != nil {
		o.logger.Error("schedule", "error", err)
		if errors.IsFatal(err) {
			o.halt(err)
			return
		}
	}
	if err := o.checkHeartbeats(ctx); err != nil {
		o.logger.Error("heartbeat check", "error", err)
	}
	o.sweepMarkers(ctx)
	if o.Config().AutoMerge {
		if err := o.MergeStep(ctx); err != nil {
			o.logger.Error("merge step", "error", err)
		}
	}
}

func (o *Orchestrator) halt(err error) {
	o.logger.Error("orchestrator halting", "error", err)
	o.publish(event.NewOrchestratorStateEvent(o.project, "fatal", err.Error()))
	o.mu.Lock()
	cancel := o.cancel
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// reconcile repairs state after a crash: in_progress tasks without a live
// session return to unclaimed, dead agents are reaped, and existing
// markers are re-observed.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	tasks, err := o.store.Load()
	if err != nil {
		return err
	}

	live := map[string]bool{}
	if names, err := o.runner.ListLive(ctx); err == nil {
		for _, n := range names {
			live[n] = true
		}
	}

	for _, t := range tasks {
		if t.Status != task.StatusInProgress || live[t.Session] {
			continue
		}
		o.logger.WithTask(t.ID).Info("reclaiming task from dead session", "session", t.Session)
		if err := o.resetTask(ctx, t.ID, "session_lost"); err != nil {
			return err
		}
	}

	if reaped, err := o.registry.ReapDead(ctx); err == nil && len(reaped) > 0 {
		o.logger.Info("reaped dead agents", "sessions", reaped)
	}
	return nil
}

// schedule runs one scheduler pass and enacts its plan. Reservations are
// persisted before any side effect; the spawn side effects are idempotent
// so a crash between persist and spawn replays safely.
func (o *Orchestrator) schedule(ctx context.Context) error {
	tasks, err := o.store.Load()
	if err != nil {
		return err
	}

	plan := o.sched.Plan(tasks)

	for _, t := range plan.Demote {
		if err := o.transition(t.ID, task.StatusUnclaimed, "dependency_invalid", nil); err != nil {
			return err
		}
	}

	for _, t := range plan.Promote {
		if err := o.transition(t.ID, task.StatusUpNext, "", nil); err != nil {
			return err
		}
	}

	byID := map[string]*task.Task{}
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range plan.Start {
		// Initialization deps must land on the mainline before the
		// worktree is cut; hold the task in up_next until they do.
		if !initDepsMerged(byID, t) {
			continue
		}
		if err := o.spawn(ctx, t); err != nil {
			o.logger.WithTask(t.ID).Warn("spawn failed", "error", err)
			if err := o.resetWithRetry(t.ID, "spawn_failed"); err != nil {
				return err
			}
		}
	}
	return nil
}

func initDepsMerged(byID map[string]*task.Task, t *task.Task) bool {
	for _, dep := range t.InitializationDeps {
		d, ok := byID[dep]
		if !ok || d.Status != task.StatusMerged {
			return false
		}
	}
	return true
}

// spawn persists the in_progress reservation with the deterministic
// session name, then provisions the working copy and launches the agent.
// A crash after the write leaves in_progress with no live session, which
// reconcile reclaims; the session name never exists outside the store.
// Worktrees are always cut from the mainline head; merges are
// serialized, so by the time a task's initialization deps are merged the
// mainline contains them all.
func (o *Orchestrator) spawn(ctx context.Context, t *task.Task) error {
	name := o.runner.SessionName(t.Branch)
	if err := o.transition(t.ID, task.StatusInProgress, "", func(tk *task.Task) {
		tk.Session = name
	}); err != nil {
		return err
	}

	workDir, err := o.ws.Provision(ctx, t.Branch, "")
	if err != nil {
		return err
	}

	if _, err := o.runner.Spawn(ctx, t, workDir); err != nil {
		return err
	}
	o.publish(event.NewSessionSpawnedEvent(t.ID, name, t.Branch, workDir))
	return nil
}

// handleMarker applies one completion marker: transition the task, kill
// the session, release coordination state, and remove the marker.
func (o *Orchestrator) handleMarker(ctx context.Context, m completion.Marker) error {
	tasks, err := o.store.Load()
	if err != nil {
		return err
	}

	var t *task.Task
	for _, tk := range tasks {
		if tk.Session == m.Session {
			t = tk
			break
		}
	}
	if t == nil {
		// Marker for a session no one owns; drop it.
		return o.detector.Remove(m.Session)
	}

	if m.Success {
		err = o.transition(t.ID, task.StatusCompleted, "", func(tk *task.Task) {
			tk.Session = ""
			tk.CompletedAt = time.Now()
			tk.RetryCount = 0
		})
	} else {
		err = o.resetWithRetry(t.ID, "agent_failed")
	}
	if err != nil {
		return err
	}

	o.runner.Kill(m.Session)
	o.publish(event.NewSessionKilledEvent(m.Session, "completed"))
	if err := o.registry.Unregister(ctx, m.Session); err != nil && !errors.Is(err, errors.ErrAgentNotFound) {
		o.logger.Warn("unregister after completion", "session", m.Session, "error", err)
	}
	return o.detector.Remove(m.Session)
}

// checkHeartbeats enforces the liveness fallback: an in_progress task
// whose agent has not heartbeated within the TTL and has produced no
// marker is treated as dead.
func (o *Orchestrator) checkHeartbeats(ctx context.Context) error {
	tasks, err := o.store.Load()
	if err != nil {
		return err
	}
	cfg := o.Config()
	ttl := cfg.HeartbeatTTL()
	now := time.Now()

	agents, err := o.registry.ListAgents(ctx)
	if err != nil {
		return err
	}
	lastSeen := map[string]time.Time{}
	for _, a := range agents {
		lastSeen[a.SessionName] = a.LastHeartbeat
	}

	for _, t := range tasks {
		if t.Status != task.StatusInProgress || t.Session == "" {
			continue
		}
		seen, registered := lastSeen[t.Session]
		if !registered {
			// Agent never registered; measure from the spawn transition.
			seen = t.UpdatedAt
		}
		if now.Sub(seen) <= ttl {
			continue
		}

		o.logger.WithTask(t.ID).Warn("heartbeat timeout", "session", t.Session)
		o.runner.Kill(t.Session)
		o.publish(event.NewSessionKilledEvent(t.Session, "heartbeat_timeout"))
		if err := o.registry.Unregister(ctx, t.Session); err != nil && !errors.Is(err, errors.ErrAgentNotFound) {
			o.logger.Warn("unregister dead agent", "session", t.Session, "error", err)
		}
		if err := o.resetWithRetry(t.ID, "heartbeat_timeout"); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) sweepMarkers(ctx context.Context) {
	o.mu.Lock()
	due := time.Since(o.lastSweep) >= time.Hour
	if due {
		o.lastSweep = time.Now()
	}
	o.mu.Unlock()
	if !due {
		return
	}

	tasks, err := o.store.Load()
	if err != nil {
		return
	}
	known := map[string]bool{}
	for _, t := range tasks {
		if t.Session != "" {
			known[t.Session] = true
		}
	}
	o.detector.SweepOrphans(known, completion.DefaultOrphanTTL)
}

// MergeStep advances the merge queue by one task if mergeable work
// exists, persisting the outcome.
func (o *Orchestrator) MergeStep(ctx context.Context) error {
	tasks, err := o.store.Load()
	if err != nil {
		return err
	}

	locks, err := o.registry.ListFileLocks(ctx)
	if err != nil {
		return err
	}
	locked := map[string]string{}
	for _, l := range locks {
		locked[l.Path] = l.Session
	}

	res := o.queue.Step(ctx, tasks, locked)
	switch res.Outcome {
	case mergequeue.OutcomeNothing:
		if res.Err != nil && !errors.Is(res.Err, errors.ErrQueueHalted) {
			return res.Err
		}
		return nil
	case mergequeue.OutcomeMerged:
		return o.transition(res.Task.ID, task.StatusMerged, "", func(tk *task.Task) {
			tk.MergedAt = time.Now()
		})
	case mergequeue.OutcomeConflict:
		if res.Policy == mergequeue.PolicyResetTask {
			return o.transition(res.Task.ID, task.StatusUnclaimed, "merge_conflict", func(tk *task.Task) {
				tk.Session = ""
			})
		}
		return nil
	}
	return nil
}

// AcknowledgeConflict clears a halt left by a conflict under the abort
// policy so the merge queue resumes.
func (o *Orchestrator) AcknowledgeConflict() {
	o.queue.Acknowledge()
}

// QueueHalted reports whether the merge queue is halted and why.
func (o *Orchestrator) QueueHalted() (bool, error) {
	return o.queue.Halted()
}

// MergePreview returns the planned merge sequence without executing it.
func (o *Orchestrator) MergePreview(ctx context.Context) ([]*task.Task, error) {
	tasks, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	locks, err := o.registry.ListFileLocks(ctx)
	if err != nil {
		return nil, err
	}
	locked := map[string]string{}
	for _, l := range locks {
		locked[l.Path] = l.Session
	}
	return o.queue.Preview(tasks, locked), nil
}

// ResetTask forces a task back to unclaimed: kill its session, release
// its locks, clear the blocked flag.
func (o *Orchestrator) ResetTask(ctx context.Context, id string) error {
	return o.resetTask(ctx, id, "user_reset")
}

func (o *Orchestrator) resetTask(ctx context.Context, id, reason string) error {
	tasks, err := o.store.Load()
	if err != nil {
		return err
	}
	var session string
	for _, t := range tasks {
		if t.ID == id {
			session = t.Session
			break
		}
	}

	if err := o.transition(id, task.StatusUnclaimed, reason, func(tk *task.Task) {
		tk.Session = ""
		tk.Blocked = false
		tk.RetryCount = 0
	}); err != nil {
		return err
	}

	if session != "" {
		o.runner.Kill(session)
		o.publish(event.NewSessionKilledEvent(session, reason))
		if err := o.registry.Unregister(ctx, session); err != nil && !errors.Is(err, errors.ErrAgentNotFound) {
			o.logger.Warn("unregister on reset", "session", session, "error", err)
		}
	}
	return nil
}

// resetWithRetry resets a task after a failed spawn or agent failure,
// counting against the retry budget.
func (o *Orchestrator) resetWithRetry(id, reason string) error {
	budget := o.Config().RetryBudget
	var blockedNow bool
	var retries int

	err := o.store.Update(id, func(tk *task.Task) error {
		if !task.CanTransition(tk.Status, task.StatusUnclaimed) {
			return errors.Wrapf(errors.ErrInvalidTransition, "%s: %s -> %s", id, tk.Status, task.StatusUnclaimed)
		}
		from := tk.Status
		tk.Status = task.StatusUnclaimed
		tk.Session = ""
		tk.RetryCount++
		retries = tk.RetryCount
		if budget > 0 && tk.RetryCount >= budget {
			tk.Blocked = true
			blockedNow = true
		}
		o.publishAfterSave(event.NewTaskStatusChangedEvent(id, string(from), string(task.StatusUnclaimed), reason))
		return nil
	})
	if err != nil {
		o.dropPending()
		return err
	}
	o.flushPending()
	if blockedNow {
		o.publish(event.NewTaskBlockedEvent(id, retries))
		o.logger.WithTask(id).Warn("retry budget exhausted, task blocked", "retries", retries)
	}
	return nil
}

// transition persists a status change and publishes the corresponding
// event only after the write is durable.
func (o *Orchestrator) transition(id string, to task.Status, reason string, mutate func(*task.Task)) error {
	err := o.store.Update(id, func(tk *task.Task) error {
		if !task.CanTransition(tk.Status, to) {
			return errors.Wrapf(errors.ErrInvalidTransition, "%s: %s -> %s", id, tk.Status, to)
		}
		from := tk.Status
		tk.Status = to
		if mutate != nil {
			mutate(tk)
		}
		o.publishAfterSave(event.NewTaskStatusChangedEvent(id, string(from), string(to), reason))
		return nil
	})
	if err != nil {
		o.dropPending()
		return err
	}
	o.flushPending()
	return nil
}

func (o *Orchestrator) publishAfterSave(ev event.Event) {
	o.pendingMu.Lock()
	o.pendingEvents = append(o.pendingEvents, ev)
	o.pendingMu.Unlock()
}

// dropPending discards staged events after a failed save; publishing
// them would announce a transition that never became durable.
func (o *Orchestrator) dropPending() {
	o.pendingMu.Lock()
	o.pendingEvents = nil
	o.pendingMu.Unlock()
}

func (o *Orchestrator) flushPending() {
	o.pendingMu.Lock()
	evs := o.pendingEvents
	o.pendingEvents = nil
	o.pendingMu.Unlock()
	for _, ev := range evs {
		o.publish(ev)
	}
}

func (o *Orchestrator) publish(ev event.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

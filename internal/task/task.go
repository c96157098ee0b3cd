// Package task defines the unit of work scheduled by the orchestrator:
// the Task model, its status state machine, and the validation rules
// enforced whenever a task list is saved.
package task

import (
	"regexp"
	"strings"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
)

// Status represents a task's position in its lifecycle.
type Status string

const (
	// StatusUnclaimed means the task is waiting to be scheduled.
	StatusUnclaimed Status = "unclaimed"
	// StatusUpNext means the scheduler has reserved the task for spawn.
	StatusUpNext Status = "up_next"
	// StatusInProgress means an agent session is working on the task.
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the agent finished; the branch awaits merge.
	StatusCompleted Status = "completed"
	// StatusMerged means the branch has been integrated. Terminal.
	StatusMerged Status = "merged"
)

// validStatuses is the closed set accepted by the store and the API.
var validStatuses = map[Status]bool{
	StatusUnclaimed:  true,
	StatusUpNext:     true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusMerged:     true,
}

// IsValid reports whether s is a recognized status.
func (s Status) IsValid() bool { return validStatuses[s] }

// transitions is the forward edge set of the state machine. A reset to
// unclaimed is allowed from any state and handled separately.
var transitions = map[Status][]Status{
	StatusUnclaimed:  {StatusUpNext},
	StatusUpNext:     {StatusInProgress, StatusUnclaimed},
	StatusInProgress: {StatusCompleted, StatusUnclaimed},
	StatusCompleted:  {StatusMerged, StatusUnclaimed},
	StatusMerged:     {},
}

// CanTransition reports whether from→to is a legal status transition.
// Any state may be reset to unclaimed except that merged is terminal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusUnclaimed {
		return from != StatusMerged
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is the unit of work. Field names follow the tasks.md keys.
type Task struct {
	ID          string
	Title       string
	Description string
	// Prompt overrides the default instruction template when non-empty.
	Prompt string
	Branch string
	// Session names the live terminal session. Non-empty only while the
	// task is in_progress.
	Session      string
	Status       Status
	Dependencies []string
	// InitializationDeps select the merge base for the worktree: the task
	// starts from the latest revision where all of them are merged.
	InitializationDeps []string
	Priority           int
	MergeOrder         int
	ExclusiveFiles     []string
	SharedFiles        []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
	MergedAt           time.Time
	// Blocked is set when the spawn retry budget is exhausted; cleared by
	// a manual reset.
	Blocked bool
	// RetryCount tracks failed spawn/agent attempts against the budget.
	RetryCount int
	// Extra preserves unknown tasks.md keys verbatim for round-trips.
	Extra map[string]string
	// extraOrder remembers the order unknown keys appeared in.
	extraOrder []string
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.InitializationDeps = append([]string(nil), t.InitializationDeps...)
	c.ExclusiveFiles = append([]string(nil), t.ExclusiveFiles...)
	c.SharedFiles = append([]string(nil), t.SharedFiles...)
	c.extraOrder = append([]string(nil), t.extraOrder...)
	if t.Extra != nil {
		c.Extra = make(map[string]string, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// SetExtra records an unknown key, preserving first-seen order.
func (t *Task) SetExtra(key, value string) {
	if t.Extra == nil {
		t.Extra = make(map[string]string)
	}
	if _, seen := t.Extra[key]; !seen {
		t.extraOrder = append(t.extraOrder, key)
	}
	t.Extra[key] = value
}

// ExtraKeys returns unknown keys in the order they first appeared.
func (t *Task) ExtraKeys() []string {
	return append([]string(nil), t.extraOrder...)
}

// TouchedFiles returns the union of exclusive and shared paths.
func (t *Task) TouchedFiles() []string {
	out := make([]string, 0, len(t.ExclusiveFiles)+len(t.SharedFiles))
	out = append(out, t.ExclusiveFiles...)
	out = append(out, t.SharedFiles...)
	return out
}

var (
	slugStrip    = regexp.MustCompile(`[^a-z0-9]+`)
	branchReject = regexp.MustCompile(`[/&\\[:space:][:cntrl:]]`)
)

// Slugify derives an id or branch name from a title: lowercase,
// letters/digits/hyphen only, hyphen-collapsed.
func Slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ValidateBranch checks branch name syntax: non-empty, no slash, ampersand,
// backslash, whitespace, or control characters.
func ValidateBranch(branch string) error {
	if branch == "" {
		return errors.Wrap(errors.ErrInvalidBranch, "empty")
	}
	if branchReject.MatchString(branch) {
		return errors.Wrapf(errors.ErrInvalidBranch, "%q contains a forbidden character", branch)
	}
	return nil
}

// ValidateList enforces the save-time invariants over a whole task list:
// unique branches, valid branch syntax, known statuses, resolvable
// dependencies, and an acyclic dependency graph.
func ValidateList(tasks []*Task) error {
	byID := make(map[string]*Task, len(tasks))
	byBranch := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if err := ValidateBranch(t.Branch); err != nil {
			return errors.Wrapf(err, "task %s", t.ID)
		}
		if !t.Status.IsValid() {
			return errors.Wrapf(errors.ErrInvalidTransition, "task %s: unknown status %q", t.ID, t.Status)
		}
		if prev, dup := byBranch[t.Branch]; dup {
			return errors.Wrapf(errors.ErrDuplicateBranch, "%q used by %s and %s", t.Branch, prev.ID, t.ID)
		}
		byID[t.ID] = t
		byBranch[t.Branch] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := resolveDep(dep, byID, byBranch); !ok {
				return errors.Wrapf(errors.ErrUnknownDependency, "task %s depends on %q", t.ID, dep)
			}
		}
	}

	return checkCycles(tasks, byID, byBranch)
}

// ResolveDependency maps a dependency reference (task id or branch name)
// to a task id. Branch references come from hand-edited task files.
func ResolveDependency(dep string, tasks []*Task) (string, bool) {
	byID := make(map[string]*Task, len(tasks))
	byBranch := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		byBranch[t.Branch] = t
	}
	if t, ok := resolveDep(dep, byID, byBranch); ok {
		return t.ID, true
	}
	return "", false
}

func resolveDep(dep string, byID, byBranch map[string]*Task) (*Task, bool) {
	if t, ok := byID[dep]; ok {
		return t, true
	}
	if t, ok := byBranch[dep]; ok {
		return t, true
	}
	return nil, false
}

// checkCycles runs a three-color DFS over the dependency graph.
func checkCycles(tasks []*Task, byID, byBranch map[string]*Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(t *Task) error
	visit = func(t *Task) error {
		color[t.ID] = gray
		for _, dep := range t.Dependencies {
			d, ok := resolveDep(dep, byID, byBranch)
			if !ok {
				continue
			}
			switch color[d.ID] {
			case gray:
				return errors.Wrapf(errors.ErrDependencyCycle, "through %s and %s", t.ID, d.ID)
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		color[t.ID] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t); err != nil {
				return err
			}
		}
	}
	return nil
}

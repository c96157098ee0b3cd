// Package session launches and tracks the detached tmux sessions that host
// agent subprocesses, one per running task.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/splitmind/splitmind/internal/errors"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/task"
	"github.com/splitmind/splitmind/internal/tmux"
)

// MaxSessionNameLen bounds tmux session names so they stay readable in
// status output and tmux's own listings.
const MaxSessionNameLen = 20

// DefaultSpawnTimeout is how long Spawn waits for the session to come up
// before declaring the spawn dead.
const DefaultSpawnTimeout = 30 * time.Second

// Runs of disallowed characters (including separators) collapse to one dash.
var sessionNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// SessionName derives the deterministic tmux session name for a task:
// "<project>-<branch>", sanitized. Names over the length bound keep a
// truncated head plus a hash of the full name, so long sibling branches
// never collide. Deterministic naming lets a restarted orchestrator
// rediscover its sessions.
func SessionName(project, branch string) string {
	name := sessionNameSanitizer.ReplaceAllString(project+"-"+branch, "-")
	name = strings.Trim(name, "-")
	if len(name) <= MaxSessionNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:3])
	head := strings.Trim(name[:MaxSessionNameLen-len(suffix)-1], "-")
	return head + "-" + suffix
}

// Runner spawns and kills agent sessions for one project. The agent CLI
// and tmux are opaque; the runner only checks exit codes and liveness.
type Runner struct {
	project      string
	socket       string
	agentCommand string
	statusDir    string
	spawnTimeout time.Duration
	logger       *logging.Logger

	// Injection points for tests.
	newSession  func(ctx context.Context, socket, name, dir, command string) error
	hasSession  func(ctx context.Context, socket, name string) bool
	killSession func(socket, name string)
	list        func(ctx context.Context, socket string) ([]string, error)
}

// NewRunner creates a Runner. agentCommand is the CLI invoked inside each
// session (e.g. "claude"); statusDir is where agents drop completion
// markers.
func NewRunner(project, agentCommand, statusDir string, spawnTimeout time.Duration, logger *logging.Logger) *Runner {
	if spawnTimeout <= 0 {
		spawnTimeout = DefaultSpawnTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Runner{
		project:      project,
		socket:       tmux.ProjectSocketName(project),
		agentCommand: agentCommand,
		statusDir:    statusDir,
		spawnTimeout: spawnTimeout,
		logger:       logger.WithComponent("session"),
		newSession:   tmux.NewSession,
		hasSession:   tmux.HasSession,
		killSession: func(socket, name string) {
			tmux.GracefulShutdown(socket, name, tmux.DefaultGracefulStopTimeout)
		},
		list: tmux.ListSessions,
	}
}

// Socket returns the tmux socket this runner's sessions live on.
func (r *Runner) Socket() string { return r.socket }

// SessionName returns the name Spawn will use for a branch, so callers
// can record it before the session exists.
func (r *Runner) SessionName(branch string) string {
	return SessionName(r.project, branch)
}

// Spawn starts a detached agent session for the task in workDir and
// returns the session name. It fails fast on a nonzero spawn exit and
// verifies the session is alive before returning.
func (r *Runner) Spawn(ctx context.Context, t *task.Task, workDir string) (string, error) {
	name := SessionName(r.project, t.Branch)
	statusPath := filepath.Join(r.statusDir, name+".status")
	prompt := t.ComposePrompt(name, statusPath)

	ctx, cancel := context.WithTimeout(ctx, r.spawnTimeout)
	defer cancel()

	command := r.agentCommand + " " + shellQuote(prompt)
	if err := r.newSession(ctx, r.socket, name, workDir, command); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrapf(errors.ErrSpawnTimeout, "session %s", name)
		}
		return "", errors.Wrapf(errors.ErrSpawnFailed, "session %s: %v", name, err)
	}

	// tmux can report success and have the command die immediately; poll
	// briefly for the session to settle.
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if r.hasSession(ctx, r.socket, name) {
			r.logger.WithSession(name).Info("agent session spawned",
				"task_id", t.ID, "branch", t.Branch, "dir", workDir)
			return name, nil
		}
		select {
		case <-deadline.C:
			return "", errors.Wrapf(errors.ErrSpawnFailed, "session %s exited immediately", name)
		case <-ctx.Done():
			return "", errors.Wrapf(errors.ErrSpawnTimeout, "session %s", name)
		case <-tick.C:
		}
	}
}

// Kill stops a session and its process tree.
func (r *Runner) Kill(sessionName string) {
	r.logger.WithSession(sessionName).Info("killing agent session")
	r.killSession(r.socket, sessionName)
}

// IsLive reports whether a session currently exists.
func (r *Runner) IsLive(ctx context.Context, sessionName string) bool {
	return r.hasSession(ctx, r.socket, sessionName)
}

// ListLive returns the names of this project's live sessions.
func (r *Runner) ListLive(ctx context.Context) ([]string, error) {
	return r.list(ctx, r.socket)
}

// AttachCommand returns the shell command to attach to a session, for
// display in the control plane.
func (r *Runner) AttachCommand(sessionName string) string {
	return tmux.AttachCommand(r.socket, sessionName)
}

// shellQuote single-quotes s for safe interpolation into a shell command
// line handed to tmux.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// StatusPath returns the completion marker path for a session.
func (r *Runner) StatusPath(sessionName string) string {
	return filepath.Join(r.statusDir, sessionName+".status")
}

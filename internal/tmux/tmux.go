// Package tmux provides centralized configuration and helpers for tmux
// operations.
//
// SplitMind uses per-project tmux sockets to isolate each project's agent
// sessions. A crash in one project's tmux server cannot take down another
// project's agents. Each project uses a socket named "splitmind-{project}";
// the default "splitmind" socket serves global operations like listing
// sessions across projects.
package tmux

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
)

// SocketName is the base tmux socket name for SplitMind global operations.
// Individual projects use sockets named "splitmind-{project}" for isolation.
const SocketName = "splitmind"

// SocketPrefix is the prefix used for all SplitMind tmux sockets.
const SocketPrefix = "splitmind"

// Command creates an exec.Cmd for tmux with the default SplitMind socket.
func Command(args ...string) *exec.Cmd {
	return CommandWithSocket(SocketName, args...)
}

// CommandContext creates a context-aware exec.Cmd for tmux with the
// default socket.
func CommandContext(ctx context.Context, args ...string) *exec.Cmd {
	return CommandContextWithSocket(ctx, SocketName, args...)
}

// CommandWithSocket creates an exec.Cmd for tmux with a custom socket name.
func CommandWithSocket(socket string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", socket}, args...)
	return exec.Command("tmux", fullArgs...)
}

// CommandContextWithSocket creates a context-aware exec.Cmd with a custom
// socket.
func CommandContextWithSocket(ctx context.Context, socket string, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-L", socket}, args...)
	return exec.CommandContext(ctx, "tmux", fullArgs...)
}

// CommandArgsWithSocket returns tmux arguments with a custom socket name.
// Use this when the command string is built elsewhere, e.g. for display.
func CommandArgsWithSocket(socket string, args ...string) []string {
	return append([]string{"-L", socket}, args...)
}

// ProjectSocketName returns the socket name for a specific project.
// Socket names follow the format "splitmind-{project}".
func ProjectSocketName(project string) string {
	return SocketPrefix + "-" + project
}

// ListProjectSockets returns all tmux sockets that belong to SplitMind
// projects, searching the tmux socket directory for "splitmind-*".
func ListProjectSockets() ([]string, error) {
	socketDir, err := getSocketDir()
	if err != nil {
		return nil, err
	}

	pattern := filepath.Join(socketDir, SocketPrefix+"-*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	defaultSocket := filepath.Join(socketDir, SocketName)
	if _, err := os.Stat(defaultSocket); err == nil {
		matches = append(matches, defaultSocket)
	}

	sockets := make([]string, 0, len(matches))
	for _, match := range matches {
		sockets = append(sockets, filepath.Base(match))
	}
	return sockets, nil
}

// getSocketDir returns the tmux socket directory for the current user.
// tmux uses /tmp/tmux-{uid}/ for sockets.
func getSocketDir() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join("/tmp", "tmux-"+u.Uid), nil
}

// IsProjectSocket returns true if the socket name is project-specific.
func IsProjectSocket(socket string) bool {
	return strings.HasPrefix(socket, SocketPrefix+"-") && socket != SocketName
}

// ExtractProject extracts the project name from a project socket name.
// Returns empty string if the socket is not a project socket.
func ExtractProject(socket string) string {
	prefix := SocketPrefix + "-"
	if project, found := strings.CutPrefix(socket, prefix); found {
		return project
	}
	return ""
}

// HasSession reports whether a session exists on the given socket.
func HasSession(ctx context.Context, socket, session string) bool {
	return CommandContextWithSocket(ctx, socket, "has-session", "-t", session).Run() == nil
}

// NewSession starts a detached session running command in dir.
func NewSession(ctx context.Context, socket, session, dir, command string) error {
	return CommandContextWithSocket(ctx, socket,
		"new-session", "-d", "-s", session, "-c", dir, command).Run()
}

// ListSessions returns the names of all sessions on the given socket.
// A missing server is not an error; it means no sessions.
func ListSessions(ctx context.Context, socket string) ([]string, error) {
	cmd := CommandContextWithSocket(ctx, socket, "list-sessions", "-F", "#{session_name}")
	output, err := cmd.Output()
	if err != nil {
		// tmux exits nonzero when no server is running on the socket.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// AttachCommand returns the shell command a user runs to attach to a
// session, for display in status output.
func AttachCommand(socket, session string) string {
	return strings.Join(append([]string{"tmux"},
		CommandArgsWithSocket(socket, "attach", "-t", session)...), " ")
}

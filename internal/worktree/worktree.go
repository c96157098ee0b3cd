// Package worktree provisions and tears down the isolated working copies
// agents run in, and performs the mainline merges for the merge queue.
// All operations shell out to the git binary; git is treated as opaque.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/splitmind/splitmind/internal/errors"
)

// WorktreesDir is the directory under the repo root holding working copies,
// one subdirectory per branch.
const WorktreesDir = "worktrees"

// gitRunner executes one git invocation in dir and returns combined output.
// Swapped out in tests.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// Status describes a branch relative to the mainline.
type Status struct {
	HasUncommitted bool
	Ahead          int
	Behind         int
	HeadSHA        string
}

// Manager handles git worktree and merge operations for one repository.
type Manager struct {
	repoDir string
	run     gitRunner
}

// FindGitRoot finds the repository root by walking up from startDir.
// .git can be a directory (normal repo) or a file (worktree).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.Wrapf(errors.ErrNotGitRepository, "%s (or any parent)", startDir)
		}
		dir = parent
	}
}

// New creates a Manager rooted at the repository containing repoDir.
func New(repoDir string) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{repoDir: gitRoot, run: execGit}, nil
}

// RepoDir returns the repository root.
func (m *Manager) RepoDir() string { return m.repoDir }

// WorktreePath returns the working copy path for a branch.
func (m *Manager) WorktreePath(branch string) string {
	return filepath.Join(m.repoDir, WorktreesDir, branch)
}

// Provision creates the working copy for branch under worktrees/<branch>,
// creating the branch from base (mainline HEAD when base is empty).
// Idempotent: an existing worktree already on the branch is a no-op, so a
// crashed run can replay the step safely.
func (m *Manager) Provision(ctx context.Context, branch, base string) (string, error) {
	path := m.WorktreePath(branch)

	if current, err := m.worktreeBranch(ctx, path); err == nil {
		if current == branch {
			return path, nil
		}
		return "", errors.Wrapf(errors.ErrWorktreeExists, "%s holds branch %s", path, current)
	}

	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, err := m.run(ctx, m.repoDir, args...); err != nil {
		// The branch may survive a partially torn down run; reuse it.
		if m.branchExists(ctx, branch) {
			if _, err2 := m.run(ctx, m.repoDir, "worktree", "add", path, branch); err2 == nil {
				return path, nil
			}
		}
		return "", fmt.Errorf("provision worktree: %w", err)
	}
	return path, nil
}

// TearDown removes the working copy and optionally deletes the branch.
func (m *Manager) TearDown(ctx context.Context, branch string, deleteBranch bool) error {
	path := m.WorktreePath(branch)

	if _, err := os.Stat(path); err == nil {
		if _, err := m.run(ctx, m.repoDir, "worktree", "remove", "--force", path); err != nil {
			// Fall back to manual cleanup plus prune.
			_ = os.RemoveAll(path)
			_, _ = m.run(ctx, m.repoDir, "worktree", "prune")
		}
	} else {
		_, _ = m.run(ctx, m.repoDir, "worktree", "prune")
	}

	if deleteBranch && m.branchExists(ctx, branch) {
		if _, err := m.run(ctx, m.repoDir, "branch", "-D", branch); err != nil {
			return fmt.Errorf("delete branch %s: %w", branch, err)
		}
	}
	return nil
}

// Status reports a branch's position relative to the mainline.
func (m *Manager) Status(ctx context.Context, branch string) (*Status, error) {
	head, err := m.run(ctx, m.repoDir, "rev-parse", branch)
	if err != nil {
		return nil, fmt.Errorf("rev-parse %s: %w", branch, err)
	}

	st := &Status{HeadSHA: strings.TrimSpace(head)}

	if path := m.WorktreePath(branch); dirExists(path) {
		out, err := m.run(ctx, path, "status", "--porcelain")
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", branch, err)
		}
		st.HasUncommitted = strings.TrimSpace(out) != ""
	}

	main, err := m.MainBranch(ctx)
	if err != nil {
		return nil, err
	}
	out, err := m.run(ctx, m.repoDir, "rev-list", "--left-right", "--count", main+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("rev-list %s...%s: %w", main, branch, err)
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 2 {
		st.Behind, _ = strconv.Atoi(fields[0])
		st.Ahead, _ = strconv.Atoi(fields[1])
	}
	return st, nil
}

// MainBranch returns the mainline branch name, preferring main over master.
func (m *Manager) MainBranch(ctx context.Context) (string, error) {
	for _, name := range []string{"main", "master"} {
		if m.branchExists(ctx, name) {
			return name, nil
		}
	}
	return "", errors.Wrap(errors.ErrNotGitRepository, "no main or master branch")
}

// IsMerged reports whether branch's head is reachable from the mainline.
// Used for idempotent merge replay after a crash.
func (m *Manager) IsMerged(ctx context.Context, branch string) (bool, error) {
	main, err := m.MainBranch(ctx)
	if err != nil {
		return false, err
	}
	_, err = m.run(ctx, m.repoDir, "merge-base", "--is-ancestor", branch, main)
	return err == nil, nil
}

// MergeStrategy selects how a branch is integrated.
type MergeStrategy string

const (
	StrategyMerge  MergeStrategy = "merge"  // merge commit, --no-ff
	StrategyRebase MergeStrategy = "rebase" // rebase onto mainline, then fast-forward
	StrategySquash MergeStrategy = "squash" // squash into one commit
	StrategyFFOnly MergeStrategy = "ff"     // fast-forward only
)

// Merge integrates branch into the mainline with the given strategy and
// returns the new mainline head. A conflicting merge is aborted and
// reported as ErrMergeConflict with the conflicting paths.
func (m *Manager) Merge(ctx context.Context, branch string, strategy MergeStrategy) (string, error) {
	main, err := m.MainBranch(ctx)
	if err != nil {
		return "", err
	}
	if _, err := m.run(ctx, m.repoDir, "checkout", main); err != nil {
		return "", fmt.Errorf("checkout %s: %w", main, err)
	}

	var mergeErr error
	switch strategy {
	case StrategyRebase:
		// The branch is checked out in its worktree, so the rebase must
		// run there; the fast-forward then happens on the mainline.
		rebaseDir := m.repoDir
		if path := m.WorktreePath(branch); dirExists(path) {
			rebaseDir = path
		}
		if _, err := m.run(ctx, rebaseDir, "rebase", main); err != nil {
			conflicts := m.conflictFilesIn(ctx, rebaseDir)
			_, _ = m.run(ctx, rebaseDir, "rebase", "--abort")
			if len(conflicts) > 0 {
				return "", errors.Wrapf(errors.ErrMergeConflict, "%s: %s", branch, strings.Join(conflicts, ", "))
			}
			return "", errors.Wrapf(errors.ErrMergeConflict, "%s: %v", branch, err)
		}
		_, mergeErr = m.run(ctx, m.repoDir, "merge", "--ff-only", branch)
	case StrategySquash:
		if _, err := m.run(ctx, m.repoDir, "merge", "--squash", branch); err != nil {
			mergeErr = err
		} else if _, err := m.run(ctx, m.repoDir, "commit", "-m", fmt.Sprintf("Merge branch '%s' (squashed)", branch)); err != nil {
			mergeErr = err
		}
	case StrategyFFOnly:
		_, mergeErr = m.run(ctx, m.repoDir, "merge", "--ff-only", branch)
	default:
		_, mergeErr = m.run(ctx, m.repoDir, "merge", "--no-ff", "-m", fmt.Sprintf("Merge branch '%s'", branch), branch)
	}

	if mergeErr != nil {
		conflicts := m.conflictFiles(ctx)
		_, _ = m.run(ctx, m.repoDir, "merge", "--abort")
		if len(conflicts) > 0 {
			return "", errors.Wrapf(errors.ErrMergeConflict, "%s: %s", branch, strings.Join(conflicts, ", "))
		}
		return "", errors.Wrapf(errors.ErrMergeConflict, "%s: %v", branch, mergeErr)
	}

	head, err := m.run(ctx, m.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(head), nil
}

func (m *Manager) conflictFiles(ctx context.Context) []string {
	return m.conflictFilesIn(ctx, m.repoDir)
}

func (m *Manager) conflictFilesIn(ctx context.Context, dir string) []string {
	out, err := m.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.run(ctx, m.repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// worktreeBranch returns the branch checked out at path.
func (m *Manager) worktreeBranch(ctx context.Context, path string) (string, error) {
	if !dirExists(path) {
		return "", fmt.Errorf("no worktree at %s", path)
	}
	out, err := m.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

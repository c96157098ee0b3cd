// Package errors provides centralized error definitions and error handling
// utilities for the SplitMind codebase. It defines sentinel errors per
// subsystem, a Kind taxonomy used by the control plane and the orchestrator's
// retry logic, and a CoreError type that carries kind, message, and an
// optional retry hint across RPC and HTTP boundaries.
//
// # Kinds
//
// Every error belongs to exactly one Kind:
//   - KindValidation: bad input or state; surfaced to the caller, never retried
//   - KindTransient: transient I/O (subprocess, backend, FS watch); retried with backoff
//   - KindConflict: lock held, merge conflict, stale write; handled by policy
//   - KindAgentFailure: spawn timeout, heartbeat timeout, explicit failure marker
//   - KindFatal: unrecoverable; the orchestrator loop halts
//
// # Usage
//
// Creating errors:
//
//	err := errors.Wrapf(errors.ErrLockHeld, "announce %s", path)
//	err := errors.NewCoreError(errors.KindConflict, "merge conflict on feature-x")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrLockHeld) { ... }
//	switch errors.KindOf(err) {
//	case errors.KindTransient:
//	    retry()
//	}
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind classifies an error for policy decisions and API surfacing.
type Kind int

const (
	// KindUnknown is the zero value; treated like KindFatal by callers that
	// must pick a policy but logged distinctly.
	KindUnknown Kind = iota
	// KindValidation indicates bad input or state. Never retried.
	KindValidation
	// KindTransient indicates a transient I/O failure. Retried with backoff.
	KindTransient
	// KindConflict indicates contention (lock held, merge conflict, stale
	// write). Handled by the configured policy.
	KindConflict
	// KindAgentFailure indicates an agent died or failed. Retried by
	// resetting the task, bounded by the retry budget.
	KindAgentFailure
	// KindFatal indicates an unrecoverable condition. The loop halts.
	KindFatal
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindAgentFailure:
		return "agent_failure"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Task and task-store sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrInvalidTransition indicates a disallowed task status transition.
	ErrInvalidTransition = New("invalid status transition")
	// ErrDuplicateBranch indicates two tasks share a branch name.
	ErrDuplicateBranch = New("duplicate branch")
	// ErrInvalidBranch indicates a branch name fails syntax validation.
	ErrInvalidBranch = New("invalid branch name")
	// ErrDependencyCycle indicates a circular dependency between tasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a dependency references no known task.
	ErrUnknownDependency = New("unknown dependency")
	// ErrStaleWrite indicates the task file changed on disk since load.
	ErrStaleWrite = New("task file changed on disk")
	// ErrTaskInProgress indicates an operation rejected while a task runs.
	ErrTaskInProgress = New("task is in progress")
	// ErrTaskBlocked indicates a task exhausted its retry budget.
	ErrTaskBlocked = New("task is blocked")
)

// Coordination registry sentinel errors
var (
	// ErrAgentNotFound indicates no registered agent for a session.
	ErrAgentNotFound = New("agent not registered")
	// ErrLockHeld indicates another live session holds the file lock.
	ErrLockHeld = New("file lock held by another session")
	// ErrNotHolder indicates the caller does not hold the lock.
	ErrNotHolder = New("file lock not held by caller")
	// ErrInterfaceForbidden indicates a non-owner tried to replace an interface.
	ErrInterfaceForbidden = New("interface owned by another session")
	// ErrInterfaceNotFound indicates no interface registered under a name.
	ErrInterfaceNotFound = New("interface not found")
	// ErrTodoNotFound indicates no todo with the given id for the agent.
	ErrTodoNotFound = New("todo not found")
	// ErrRegistryUnavailable indicates the backing store cannot be reached.
	ErrRegistryUnavailable = New("coordination registry unavailable")
)

// Lifecycle and VCS sentinel errors
var (
	// ErrSpawnFailed indicates a session could not be started.
	ErrSpawnFailed = New("session spawn failed")
	// ErrSpawnTimeout indicates a spawn exceeded its timeout.
	ErrSpawnTimeout = New("session spawn timed out")
	// ErrSessionNotFound indicates no live session with the given name.
	ErrSessionNotFound = New("session not found")
	// ErrHeartbeatTimeout indicates an agent missed its heartbeat TTL.
	ErrHeartbeatTimeout = New("agent heartbeat timed out")
	// ErrNotGitRepository indicates the project dir is not a repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeExists indicates the worktree path is already in use.
	ErrWorktreeExists = New("worktree already exists")
	// ErrMergeConflict indicates a merge could not complete cleanly.
	ErrMergeConflict = New("merge conflict")
	// ErrMergeTimeout indicates a merge exceeded its timeout.
	ErrMergeTimeout = New("merge timed out")
	// ErrQueueHalted indicates the merge queue stopped under the abort policy.
	ErrQueueHalted = New("merge queue halted")
)

// sentinelKinds maps each sentinel onto its taxonomy entry.
var sentinelKinds = map[error]Kind{
	ErrTaskNotFound:        KindValidation,
	ErrInvalidTransition:   KindValidation,
	ErrDuplicateBranch:     KindValidation,
	ErrInvalidBranch:       KindValidation,
	ErrDependencyCycle:     KindValidation,
	ErrUnknownDependency:   KindValidation,
	ErrTaskInProgress:      KindValidation,
	ErrTaskBlocked:         KindValidation,
	ErrAgentNotFound:       KindValidation,
	ErrTodoNotFound:        KindValidation,
	ErrInterfaceNotFound:   KindValidation,
	ErrStaleWrite:          KindConflict,
	ErrLockHeld:            KindConflict,
	ErrNotHolder:           KindConflict,
	ErrInterfaceForbidden:  KindConflict,
	ErrMergeConflict:       KindConflict,
	ErrMergeTimeout:        KindConflict,
	ErrRegistryUnavailable: KindTransient,
	ErrSessionNotFound:     KindTransient,
	ErrSpawnFailed:         KindAgentFailure,
	ErrSpawnTimeout:        KindAgentFailure,
	ErrHeartbeatTimeout:    KindAgentFailure,
	ErrNotGitRepository:    KindFatal,
	ErrQueueHalted:         KindFatal,
	ErrWorktreeExists:      KindTransient,
}

// -----------------------------------------------------------------------------
// CoreError
// -----------------------------------------------------------------------------

// CoreError is the structured error carried across the RPC and HTTP
// boundaries. Every mutating operation returns either success data or one of
// these.
type CoreError struct {
	Kind    Kind
	Message string
	// RetryAfter, when non-zero, hints that the caller may retry after the
	// given interval. Only meaningful for transient and conflict kinds.
	RetryAfter time.Duration
	cause      error
}

// NewCoreError creates a CoreError with the given kind and message.
func NewCoreError(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// WrapCore wraps err in a CoreError, deriving the kind via KindOf.
func WrapCore(err error, message string) *CoreError {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: KindOf(err), Message: message, cause: err}
}

// WithRetryAfter sets the retry hint.
func (e *CoreError) WithRetryAfter(d time.Duration) *CoreError {
	e.RetryAfter = d
	return e
}

// Error returns the formatted error message.
func (e *CoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *CoreError) Unwrap() error { return e.cause }

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// KindOf returns the taxonomy entry for err. A CoreError reports its own
// kind; sentinels map through the table above; everything else is
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var core *CoreError
	if As(err, &core) {
		return core.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsRetryable reports whether the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsFatal reports whether the error should halt the orchestrator loop.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with an additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

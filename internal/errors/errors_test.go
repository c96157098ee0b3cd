package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestKindOfSentinels(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrDuplicateBranch, KindValidation},
		{ErrLockHeld, KindConflict},
		{ErrMergeConflict, KindConflict},
		{ErrRegistryUnavailable, KindTransient},
		{ErrSpawnTimeout, KindAgentFailure},
		{ErrHeartbeatTimeout, KindAgentFailure},
		{ErrNotGitRepository, KindFatal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := Wrapf(ErrLockHeld, "announce %s", "config.ts")
	if got := KindOf(err); got != KindConflict {
		t.Errorf("KindOf(wrapped) = %s, want conflict", got)
	}
	if !Is(err, ErrLockHeld) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestCoreError(t *testing.T) {
	core := WrapCore(ErrSpawnTimeout, "spawning task-a").WithRetryAfter(5 * time.Second)

	if core.Kind != KindAgentFailure {
		t.Errorf("Kind = %s, want agent_failure", core.Kind)
	}
	if core.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %s, want 5s", core.RetryAfter)
	}
	if !Is(core, ErrSpawnTimeout) {
		t.Error("CoreError should unwrap to its cause")
	}

	// A CoreError wrapped further still reports its own kind.
	outer := fmt.Errorf("tick: %w", core)
	if got := KindOf(outer); got != KindAgentFailure {
		t.Errorf("KindOf(outer) = %s, want agent_failure", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if WrapCore(nil, "context") != nil {
		t.Error("WrapCore(nil) should return nil")
	}
}

func TestKindString(t *testing.T) {
	if KindValidation.String() != "validation" {
		t.Errorf("unexpected name: %s", KindValidation)
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("out-of-range kind should be unknown")
	}
}

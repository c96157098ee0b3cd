package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Errorf("default config should validate, got %v", ValidationErrors(errs))
	}
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.MaxConcurrentAgents != 4 {
		t.Errorf("max_concurrent_agents = %d, want 4", cfg.Orchestrator.MaxConcurrentAgents)
	}
	if cfg.Orchestrator.SpawnTimeoutS != 30 {
		t.Errorf("spawn_timeout_s = %d, want 30", cfg.Orchestrator.SpawnTimeoutS)
	}
	if cfg.Coordination.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Coordination.Backend)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("agent.command = %q", cfg.Agent.Command)
	}
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	resetViper(t)
	viper.Set("orchestrator.max_concurrent_agents", 50)

	_, err := Load()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if !strings.Contains(err.Error(), "max_concurrent_agents") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestLoadRejectsBadEnum(t *testing.T) {
	resetViper(t)
	viper.Set("orchestrator.merge_strategy", "cherry-pick")

	if _, err := Load(); err == nil {
		t.Fatal("expected a validation error for merge_strategy")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.MaxConcurrentAgents = 0
	cfg.Orchestrator.ConflictPolicy = "panic"
	cfg.Logging.Level = "loud"

	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Errorf("want 3 errors, got %d: %v", len(errs), ValidationErrors(errs))
	}
}

func TestRedisBackendRequiresAddr(t *testing.T) {
	cfg := Default()
	cfg.Coordination.Backend = "redis"
	cfg.Coordination.RedisAddr = ""

	errs := cfg.Validate()
	if len(errs) != 1 || errs[0].Field != "coordination.redis_addr" {
		t.Errorf("errs = %v", ValidationErrors(errs))
	}
}

func TestForProjectOverrides(t *testing.T) {
	five := 5
	hold := "reset_task"
	cfg := Default()
	cfg.Projects = map[string]OrchestratorPatch{
		"myapp": {MaxConcurrentAgents: &five, ConflictPolicy: &hold},
	}

	got := cfg.ForProject("myapp")
	if got.MaxConcurrentAgents != 5 {
		t.Errorf("override not applied: %d", got.MaxConcurrentAgents)
	}
	if got.ConflictPolicy != "reset_task" {
		t.Errorf("override not applied: %s", got.ConflictPolicy)
	}
	// Unpatched fields inherit the global value.
	if got.SpawnTimeoutS != cfg.Orchestrator.SpawnTimeoutS {
		t.Errorf("inherited field changed: %d", got.SpawnTimeoutS)
	}

	// Unknown projects get the global config.
	plain := cfg.ForProject("other")
	if plain.MaxConcurrentAgents != cfg.Orchestrator.MaxConcurrentAgents {
		t.Errorf("unexpected override for unknown project")
	}
}

func TestValidateResolvedProjectOverrides(t *testing.T) {
	bad := 99
	cfg := Default()
	cfg.Projects = map[string]OrchestratorPatch{
		"myapp": {MaxConcurrentAgents: &bad},
	}

	errs := cfg.Validate()
	if len(errs) != 1 || errs[0].Field != "projects.myapp.max_concurrent_agents" {
		t.Errorf("errs = %v", ValidationErrors(errs))
	}
}

func TestApplyUpdate(t *testing.T) {
	o := Default().Orchestrator

	err := o.ApplyUpdate(map[string]any{
		"max_concurrent_agents": float64(8), // JSON numbers decode as float64
		"auto_merge":            false,
		"conflict_policy":       "abort",
	})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if o.MaxConcurrentAgents != 8 || o.AutoMerge || o.ConflictPolicy != "abort" {
		t.Errorf("updates not applied: %+v", o)
	}
}

func TestApplyUpdateRejectsUnknownKey(t *testing.T) {
	o := Default().Orchestrator
	before := o

	err := o.ApplyUpdate(map[string]any{"max_agents": 3})
	if err == nil {
		t.Fatal("unknown key must be rejected")
	}
	if o != before {
		t.Error("config must be unchanged after a rejected update")
	}
}

func TestApplyUpdateRejectsInvalidValue(t *testing.T) {
	o := Default().Orchestrator
	before := o

	if err := o.ApplyUpdate(map[string]any{"max_concurrent_agents": 0}); err == nil {
		t.Fatal("out-of-range value must be rejected")
	}
	if err := o.ApplyUpdate(map[string]any{"auto_merge": "yes"}); err == nil {
		t.Fatal("wrong type must be rejected")
	}
	if err := o.ApplyUpdate(map[string]any{"max_concurrent_agents": 2.5}); err == nil {
		t.Fatal("fractional count must be rejected")
	}
	if o != before {
		t.Error("config must be unchanged after rejected updates")
	}
}

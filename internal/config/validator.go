package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config field path, e.g. "orchestrator.max_concurrent_agents"
	Value   any    // the invalid value
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidMergeStrategies returns the accepted merge_strategy values.
func ValidMergeStrategies() []string {
	return []string{"merge", "rebase", "squash"}
}

// ValidConflictPolicies returns the accepted conflict_policy values.
func ValidConflictPolicies() []string {
	return []string{"abort", "reset_task", "hold"}
}

// ValidBackends returns the accepted coordination backend values.
func ValidBackends() []string {
	return []string{"memory", "redis"}
}

// ValidLogLevels returns the accepted log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// KnownOrchestratorKeys is the closed set of runtime knobs accepted by
// the control plane's config update endpoint. Unknown keys are rejected.
func KnownOrchestratorKeys() []string {
	return []string{
		"max_concurrent_agents",
		"auto_merge",
		"merge_strategy",
		"ff_only",
		"auto_spawn_interval_s",
		"heartbeat_ttl_s",
		"spawn_timeout_s",
		"merge_timeout_s",
		"starvation_ttl_s",
		"conflict_policy",
		"status_dir",
		"retry_budget",
	}
}

// Validate checks the Config and returns every violation found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.Orchestrator.validate("orchestrator")...)
	errs = append(errs, c.validateCoordination()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateAgent()...)

	for name, patch := range c.Projects {
		resolved := c.Orchestrator
		patch.applyTo(&resolved)
		errs = append(errs, resolved.validate("projects."+name)...)
	}
	return errs
}

func (o *OrchestratorConfig) validate(prefix string) []ValidationError {
	var errs []ValidationError

	if o.MaxConcurrentAgents < 1 || o.MaxConcurrentAgents > 20 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".max_concurrent_agents",
			Value:   o.MaxConcurrentAgents,
			Message: "must be between 1 and 20",
		})
	}
	if !slices.Contains(ValidMergeStrategies(), o.MergeStrategy) {
		errs = append(errs, ValidationError{
			Field:   prefix + ".merge_strategy",
			Value:   o.MergeStrategy,
			Message: "must be one of: " + strings.Join(ValidMergeStrategies(), ", "),
		})
	}
	if o.AutoSpawnIntervalS < 10 || o.AutoSpawnIntervalS > 600 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".auto_spawn_interval_s",
			Value:   o.AutoSpawnIntervalS,
			Message: "must be between 10 and 600 seconds",
		})
	}
	if o.HeartbeatTTLS < 1 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".heartbeat_ttl_s",
			Value:   o.HeartbeatTTLS,
			Message: "must be positive",
		})
	}
	if o.SpawnTimeoutS < 1 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".spawn_timeout_s",
			Value:   o.SpawnTimeoutS,
			Message: "must be positive",
		})
	}
	if o.MergeTimeoutS < 1 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".merge_timeout_s",
			Value:   o.MergeTimeoutS,
			Message: "must be positive",
		})
	}
	if o.StarvationTTLS < 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".starvation_ttl_s",
			Value:   o.StarvationTTLS,
			Message: "must be zero or positive",
		})
	}
	if !slices.Contains(ValidConflictPolicies(), o.ConflictPolicy) {
		errs = append(errs, ValidationError{
			Field:   prefix + ".conflict_policy",
			Value:   o.ConflictPolicy,
			Message: "must be one of: " + strings.Join(ValidConflictPolicies(), ", "),
		})
	}
	if o.StatusDir == "" {
		errs = append(errs, ValidationError{
			Field:   prefix + ".status_dir",
			Value:   o.StatusDir,
			Message: "must not be empty",
		})
	}
	if o.RetryBudget < 0 {
		errs = append(errs, ValidationError{
			Field:   prefix + ".retry_budget",
			Value:   o.RetryBudget,
			Message: "must be zero or positive",
		})
	}
	return errs
}

func (c *Config) validateCoordination() []ValidationError {
	var errs []ValidationError
	if !slices.Contains(ValidBackends(), c.Coordination.Backend) {
		errs = append(errs, ValidationError{
			Field:   "coordination.backend",
			Value:   c.Coordination.Backend,
			Message: "must be one of: " + strings.Join(ValidBackends(), ", "),
		})
	}
	if c.Coordination.Backend == "redis" && c.Coordination.RedisAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "coordination.redis_addr",
			Value:   c.Coordination.RedisAddr,
			Message: "required when backend is redis",
		})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	if slices.Contains(ValidLogLevels(), c.Logging.Level) {
		return nil
	}
	return []ValidationError{{
		Field:   "logging.level",
		Value:   c.Logging.Level,
		Message: "must be one of: " + strings.Join(ValidLogLevels(), ", "),
	}}
}

func (c *Config) validateAgent() []ValidationError {
	if c.Agent.Command != "" {
		return nil
	}
	return []ValidationError{{
		Field:   "agent.command",
		Value:   c.Agent.Command,
		Message: "must not be empty",
	}}
}

// ApplyUpdate patches orchestrator knobs from a key/value map, as sent by
// the control plane. Unknown keys and invalid values are rejected; on any
// error the config is unchanged.
func (o *OrchestratorConfig) ApplyUpdate(updates map[string]any) error {
	patched := *o
	for key, raw := range updates {
		if !slices.Contains(KnownOrchestratorKeys(), key) {
			return ValidationErrors{{Field: key, Value: raw, Message: "unknown configuration key"}}
		}
		if err := patched.setKey(key, raw); err != nil {
			return err
		}
	}
	if errs := patched.validate("orchestrator"); len(errs) > 0 {
		return ValidationErrors(errs)
	}
	*o = patched
	return nil
}

func (o *OrchestratorConfig) setKey(key string, raw any) error {
	badType := func(want string) error {
		return ValidationErrors{{Field: key, Value: raw, Message: "expected " + want}}
	}
	switch key {
	case "max_concurrent_agents", "auto_spawn_interval_s", "heartbeat_ttl_s",
		"spawn_timeout_s", "merge_timeout_s", "starvation_ttl_s", "retry_budget":
		n, ok := asInt(raw)
		if !ok {
			return badType("integer")
		}
		switch key {
		case "max_concurrent_agents":
			o.MaxConcurrentAgents = n
		case "auto_spawn_interval_s":
			o.AutoSpawnIntervalS = n
		case "heartbeat_ttl_s":
			o.HeartbeatTTLS = n
		case "spawn_timeout_s":
			o.SpawnTimeoutS = n
		case "merge_timeout_s":
			o.MergeTimeoutS = n
		case "starvation_ttl_s":
			o.StarvationTTLS = n
		case "retry_budget":
			o.RetryBudget = n
		}
	case "auto_merge", "ff_only":
		b, ok := raw.(bool)
		if !ok {
			return badType("boolean")
		}
		if key == "auto_merge" {
			o.AutoMerge = b
		} else {
			o.FFOnly = b
		}
	case "merge_strategy", "conflict_policy", "status_dir":
		s, ok := raw.(string)
		if !ok {
			return badType("string")
		}
		switch key {
		case "merge_strategy":
			o.MergeStrategy = s
		case "conflict_policy":
			o.ConflictPolicy = s
		case "status_dir":
			o.StatusDir = s
		}
	}
	return nil
}

// asInt accepts the numeric types JSON decoding produces.
func asInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/splitmind/splitmind/internal/completion"
	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/coordination"
	"github.com/splitmind/splitmind/internal/event"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/mergequeue"
	"github.com/splitmind/splitmind/internal/orchestrator"
	"github.com/splitmind/splitmind/internal/session"
	"github.com/splitmind/splitmind/internal/taskstore"
	"github.com/splitmind/splitmind/internal/worktree"
)

// TasksFileName is the task list at the repository root.
const TasksFileName = "tasks.md"

// stack is everything one project needs at runtime.
type stack struct {
	project string
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	store   *taskstore.Store
	bus     *event.Bus
	logger  *logging.Logger
}

func (s *stack) Close() {
	s.bus.Close()
	_ = s.logger.Close()
}

// buildStack wires the full runtime for the repository containing dir.
func buildStack(ctx context.Context, dir string) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	gitRoot, err := worktree.FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	project := filepath.Base(gitRoot)
	orchCfg := cfg.ForProject(project)

	logger, err := logging.NewLogger(cfg.StateDir(), cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(logger)

	var coordStore coordination.Store
	switch cfg.Coordination.Backend {
	case "redis":
		coordStore, err = coordination.NewRedisStore(ctx, cfg.Coordination.RedisAddr, project)
		if err != nil {
			_ = logger.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	default:
		coordStore = coordination.NewMemoryStore()
	}
	registry := coordination.NewRegistry(project, coordStore, bus, logger,
		coordination.WithHeartbeatTTL(orchCfg.HeartbeatTTL()))
	bus.SetSnapshot(registry.Snapshot)

	wt, err := worktree.New(gitRoot)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	store := taskstore.New(filepath.Join(gitRoot, TasksFileName))
	runner := session.NewRunner(project, cfg.Agent.Command, orchCfg.StatusDir, orchCfg.SpawnTimeout(), logger)

	detector, err := completion.New(orchCfg.StatusDir, completion.DefaultPollInterval, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	queue := mergequeue.New(project, wt, bus, mergequeue.Config{
		Strategy:       mergeStrategy(orchCfg),
		ConflictPolicy: mergequeue.ConflictPolicy(orchCfg.ConflictPolicy),
		MergeTimeout:   orchCfg.MergeTimeout(),
	}, logger)

	orch := orchestrator.New(project, orchCfg, orchestrator.Deps{
		Store:    store,
		Queue:    queue,
		Registry: registry,
		Runner:   runner,
		Worktree: wt,
		Detector: detector,
		Bus:      bus,
		Logger:   logger,
	})

	return &stack{
		project: project,
		cfg:     cfg,
		orch:    orch,
		store:   store,
		bus:     bus,
		logger:  logger,
	}, nil
}

func mergeStrategy(cfg config.OrchestratorConfig) worktree.MergeStrategy {
	if cfg.FFOnly {
		return worktree.StrategyFFOnly
	}
	switch cfg.MergeStrategy {
	case "rebase":
		return worktree.StrategyRebase
	case "squash":
		return worktree.StrategySquash
	default:
		return worktree.StrategyMerge
	}
}

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/agentrpc"
	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/coordination"
	"github.com/splitmind/splitmind/internal/logging"
	"github.com/splitmind/splitmind/internal/worktree"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp [project-dir]",
	Short: "Serve the agent coordination tools over MCP stdio",
	Long: `Serve the coordination tool surface agents call: register_agent,
heartbeat, file locks, shared interfaces, messaging, todos, and task
completion. Agents run this as an MCP stdio server inside their
sessions.

Cross-session coordination needs the redis backend; with the memory
backend each agent process sees only its own state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	gitRoot, err := worktree.FindGitRoot(dir)
	if err != nil {
		return err
	}
	project := filepath.Base(gitRoot)
	orchCfg := cfg.ForProject(project)

	// Logs go to the state dir; stdout belongs to the MCP transport.
	logger, err := logging.NewLogger(cfg.StateDir(), cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	var store coordination.Store
	switch cfg.Coordination.Backend {
	case "redis":
		store, err = coordination.NewRedisStore(cmd.Context(), cfg.Coordination.RedisAddr, project)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	default:
		store = coordination.NewMemoryStore()
	}
	registry := coordination.NewRegistry(project, store, nil, logger,
		coordination.WithHeartbeatTTL(orchCfg.HeartbeatTTL()))

	srv := agentrpc.NewServer(registry, orchCfg.StatusDir, logger)
	return agentrpc.ServeStdio(srv)
}

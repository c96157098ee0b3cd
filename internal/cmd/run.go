package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [project-dir]",
	Short: "Run the orchestrator loop for a repository",
	Long: `Run the orchestrator loop against the repository at project-dir
(default: the current directory). Tasks come from tasks.md at the
repository root. The loop runs until interrupted; on shutdown agents
get a grace period before their sessions are killed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, dir)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	fmt.Printf("splitmind orchestrating %s (ctrl-c to stop)\n", st.project)

	<-ctx.Done()
	fmt.Println("\nshutting down, giving agents a chance to stop...")
	st.orch.Stop(orchestrator.DefaultShutdownGrace)
	return nil
}

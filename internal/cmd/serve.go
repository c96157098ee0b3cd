package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/splitmind/splitmind/internal/orchestrator"
	"github.com/splitmind/splitmind/internal/server"
)

var serveStart bool

var serveCmd = &cobra.Command{
	Use:   "serve [project-dir]",
	Short: "Serve the control-plane HTTP API",
	Long: `Serve the HTTP control plane for the repository at project-dir
(default: the current directory). The orchestrator loop is started on
demand via POST /orchestrator/start, or immediately with --start.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStart, "start", false, "start the orchestrator loop immediately")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if serveStart {
		if err := st.orch.Start(ctx); err != nil {
			return fmt.Errorf("start orchestrator: %w", err)
		}
	}

	srv := server.New(map[string]*orchestrator.Orchestrator{st.project: st.orch}, st.logger)
	srv.SetBaseContext(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(st.cfg.Server.Listen) }()
	fmt.Printf("splitmind control plane on http://%s (project %s)\n", st.cfg.Server.Listen, st.project)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	_ = srv.Shutdown()
	st.orch.Stop(orchestrator.DefaultShutdownGrace)
	return nil
}

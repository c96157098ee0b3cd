// Package cmd implements the splitmind CLI.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "splitmind",
	Short: "Parallel AI coding agent orchestrator",
	Long: `SplitMind runs multiple coding agents in parallel on one repository.
Each agent works in an isolated git worktree on its own branch; the
orchestrator schedules tasks, watches agent liveness, and merges
completed branches back into the mainline in order.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/splitmind/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &usageError{err}
	})
}

// usageError marks errors that should exit with the usage code.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// IsUsageError reports whether err is bad command-line usage. Cobra
// surfaces unknown commands and argument-count failures as plain
// errors, so those are matched on message.
func IsUsageError(err error) bool {
	var ue *usageError
	if errors.As(err, &ue) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.Contains(msg, "accepts at most") ||
		strings.Contains(msg, "accepts between") ||
		strings.Contains(msg, "requires at least")
}

func initConfig() {
	// Defaults first so everything works without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SPLITMIND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}

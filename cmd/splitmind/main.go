package main

import (
	"fmt"
	"os"

	"github.com/splitmind/splitmind/internal/cmd"
	"github.com/splitmind/splitmind/internal/config"
	"github.com/splitmind/splitmind/internal/errors"
)

// Exit codes: 0 success, 2 usage, 3 configuration, 4 unrecoverable.
const (
	exitUsage  = 2
	exitConfig = 3
	exitFatal  = 4
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "splitmind:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return exitConfig
	}
	var verr config.ValidationError
	if errors.As(err, &verr) {
		return exitConfig
	}
	if cmd.IsUsageError(err) || errors.KindOf(err) == errors.KindValidation {
		return exitUsage
	}
	return exitFatal
}

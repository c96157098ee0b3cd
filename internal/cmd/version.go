package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build; the dev fallback reads build
// info so `go install` binaries still report something useful.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the splitmind version",
	Run: func(cmd *cobra.Command, args []string) {
		v := Version
		if v == "dev" {
			if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = info.Main.Version
			}
		}
		fmt.Println("splitmind", v)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

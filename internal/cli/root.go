// Package cli implements butlerctl, the Cobra command-line front end for
// running a butler daemon and administering its state, schedule, and
// modules from the shell.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "butlerctl",
	Short: "butlerctl — run and administer a butler daemon",
	Long: `butlerctl runs a single butler daemon (serve) and administers its
persisted state, schedule, and module set (state, schedule, remind, module).

A butler is one long-running process: an HTTP API, an MCP tool gateway, an
internal scheduler, and a spawner of ephemeral LLM CLI sessions, all backed
by one SQLite database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "butler.toml", "Path to the butler's TOML config file")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

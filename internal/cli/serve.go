package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/butlerfleet/butlers/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this butler's daemon until terminated",
	Long: `Load the config at --config, wire up the daemon's modules, scheduler,
spawner, and HTTP/MCP servers, and run until SIGINT/SIGTERM or a fatal
server error.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(configPath)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/butlerfleet/butlers/internal/config"
)

var moduleURL string

func init() {
	moduleCmd.PersistentFlags().StringVar(&moduleURL, "url", "", "Running butler's /mcp URL (default: derived from --config's butler.port)")
	moduleCmd.AddCommand(moduleStatesCmd, moduleSetEnabledCmd)
	rootCmd.AddCommand(moduleCmd)
}

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Inspect and toggle this butler's loaded modules (requires a running daemon)",
}

// mcpURL resolves --url, falling back to http://localhost:<butler.port>/mcp
// from the loaded config.
func mcpURL() (string, error) {
	if moduleURL != "" {
		return moduleURL, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d/mcp", cfg.Butler.Port), nil
}

type toolCallContent struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// callAndDecode calls a core tool and decodes its text content as JSON
// into v.
func callAndDecode(url, tool string, args map[string]any, v any) error {
	raw, err := callTool(url, tool, args)
	if err != nil {
		return err
	}
	var wrapped toolCallContent
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return fmt.Errorf("decode tool envelope: %w", err)
	}
	if len(wrapped.Content) == 0 {
		return fmt.Errorf("empty tool response")
	}
	if wrapped.IsError {
		return fmt.Errorf("%s: %s", tool, wrapped.Content[0].Text)
	}
	return json.Unmarshal([]byte(wrapped.Content[0].Text), v)
}

var moduleStatesCmd = &cobra.Command{
	Use:   "states",
	Short: "Print every loaded module's startup status and enabled flag",
	RunE:  runModuleStates,
}

func runModuleStates(cmd *cobra.Command, args []string) error {
	url, err := mcpURL()
	if err != nil {
		return err
	}

	var states map[string]struct {
		Status  string `json:"status"`
		Enabled bool   `json:"enabled"`
	}
	if err := callAndDecode(url, "module.states", nil, &states); err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No modules loaded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tSTATUS\tENABLED")
	for name, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%t\n", name, s.Status, s.Enabled)
	}
	return w.Flush()
}

var moduleSetEnabledCmd = &cobra.Command{
	Use:   "set-enabled <name> <true|false>",
	Short: "Toggle whether a started module's tools accept calls",
	Args:  cobra.ExactArgs(2),
	RunE:  runModuleSetEnabled,
}

func runModuleSetEnabled(cmd *cobra.Command, args []string) error {
	enabled, err := parseBool(args[1])
	if err != nil {
		return err
	}

	url, err := mcpURL()
	if err != nil {
		return err
	}

	var result struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := callAndDecode(url, "module.set-enabled", map[string]any{"name": args[0], "enabled": enabled}, &result); err != nil {
		return err
	}
	fmt.Printf("%s enabled=%t\n", result.Name, result.Enabled)
	return nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected true/false, got %q", s)
	}
}

package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/butlerfleet/butlers/internal/domain"
)

// subprocessAdapter runs an LLM CLI binary to completion for each
// invocation and parses its stdout. binary/argsFn/parseFn vary per
// concrete adapter (claude-cli, codex-cli); the process-lifecycle
// machinery — start, capture bounded stderr, bounded wait, wrap failures —
// is shared. Grounded on the teacher's SubprocessBackend.LoadModel /
// SubprocessHandle.Close (start, monitor, kill-with-timeout).
type subprocessAdapter struct {
	binary  string
	argsFn  func(req InvokeRequest) []string
	parseFn func(stdout string) (InvokeResult, error)
}

func (a *subprocessAdapter) BinaryName() string { return a.binary }

// BuildConfigFile writes an MCP server declaration pointing the CLI at this
// butler's ephemeral tool endpoint (spec §4.6, §4.7).
func (a *subprocessAdapter) BuildConfigFile(dir string, ep ToolEndpoint) (string, error) {
	payload := map[string]any{
		"mcpServers": map[string]any{
			ep.ButlerName: map[string]any{
				"type": "http",
				"url":  ep.URL,
			},
		},
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, a.binary+"-mcp-config.json")
	if err := os.WriteFile(path, b, 0600); err != nil {
		return "", err
	}
	return path, nil
}

func (a *subprocessAdapter) ParseSystemPromptFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *subprocessAdapter) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.binary, a.argsFn(req)...)
	cmd.Env = req.Env
	cmd.Dir = req.WorkDir

	stdout := &bytes.Buffer{}
	stderr := &ringBuffer{max: 8192}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			err = fmt.Errorf("%w\n\n%s", err, detail)
		}
		return InvokeResult{}, &domain.ErrRuntimeInvocation{Adapter: a.binary, Cause: err}
	}

	return a.parseFn(stdout.String())
}

// Reset is a no-op for a one-shot-per-invocation subprocess adapter: there
// is never a lingering process to release between sessions.
func (a *subprocessAdapter) Reset(ctx context.Context) error { return nil }

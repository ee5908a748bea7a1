package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NewClaudeCLIAdapter runs the Anthropic `claude` CLI in print mode, one
// invocation per session, with JSON output for reliable parsing.
func NewClaudeCLIAdapter() RuntimeAdapter {
	return &subprocessAdapter{
		binary: "claude",
		argsFn: func(req InvokeRequest) []string {
			args := []string{"-p", req.Prompt, "--output-format", "json"}
			if req.ConfigPath != "" {
				args = append(args, "--mcp-config", req.ConfigPath)
			}
			if req.SystemPrompt != "" {
				args = append(args, "--append-system-prompt", req.SystemPrompt)
			}
			return args
		},
		parseFn: parseClaudeCLIOutput,
	}
}

type claudeCLIResponse struct {
	Result string `json:"result"`
	Model  string `json:"model"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func parseClaudeCLIOutput(stdout string) (InvokeResult, error) {
	var resp claudeCLIResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		return InvokeResult{}, fmt.Errorf("parse claude CLI output: %w", err)
	}
	return InvokeResult{
		Output:       resp.Result,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         resp.TotalCostUSD,
	}, nil
}

// NewCodexCLIAdapter runs the OpenAI `codex` CLI's non-interactive exec
// subcommand, one invocation per session.
func NewCodexCLIAdapter() RuntimeAdapter {
	return &subprocessAdapter{
		binary: "codex",
		argsFn: func(req InvokeRequest) []string {
			args := []string{"exec", "--json", req.Prompt}
			if req.ConfigPath != "" {
				args = append(args, "--config-file", req.ConfigPath)
			}
			return args
		},
		parseFn: parseCodexCLIOutput,
	}
}

type codexCLIResponse struct {
	Output string `json:"output"`
	Model  string `json:"model"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseCodexCLIOutput(stdout string) (InvokeResult, error) {
	var resp codexCLIResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		return InvokeResult{}, fmt.Errorf("parse codex CLI output: %w", err)
	}
	return InvokeResult{
		Output:       resp.Output,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// NewMockAdapter returns a deterministic adapter for tests and for
// runtime_adapter = "mock" (spec §4.1 default config). Grounded on the
// teacher's MockBackend/MockModelHandle (no real process, immediate
// return).
func NewMockAdapter() RuntimeAdapter {
	return &mockAdapter{}
}

type mockAdapter struct{}

func (m *mockAdapter) BinaryName() string { return "mock" }

func (m *mockAdapter) BuildConfigFile(dir string, ep ToolEndpoint) (string, error) {
	return "", nil
}

func (m *mockAdapter) ParseSystemPromptFile(path string) (string, error) {
	return "", nil
}

// Invoke echoes a deterministic canned response derived from the prompt,
// with a trivial delay so concurrency tests can observe overlap.
func (m *mockAdapter) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return InvokeResult{}, ctx.Err()
	}
	words := strings.Fields(req.Prompt)
	return InvokeResult{
		Output:       "mock response to: " + req.Prompt,
		Model:        "mock",
		InputTokens:  len(words),
		OutputTokens: len(words) + 3,
	}, nil
}

func (m *mockAdapter) Reset(ctx context.Context) error { return nil }

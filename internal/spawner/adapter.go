// Package spawner launches ephemeral LLM CLI sessions under a concurrency
// gate, bracketing each one with a session-log row (spec §4.6). Grounded on
// the teacher's internal/infra/engine/subprocess.go process-lifecycle
// machinery (start, monitor for early exit, bounded graceful-then-forced
// termination), adapted from managing a long-lived llama-server HTTP
// process to running short-lived LLM CLI invocations to completion.
package spawner

import (
	"context"
	"time"

	"github.com/butlerfleet/butlers/internal/domain"
)

// ToolEndpoint is the single-entry tool-endpoint binding a spawned session
// is given so its CLI process can call back into this butler (spec §4.6
// "ephemeral tool-endpoint config").
type ToolEndpoint struct {
	ButlerName string
	URL        string // includes a session_id query param
}

// InvokeRequest carries everything a RuntimeAdapter needs for one
// invocation. Built fresh per session; never reused.
type InvokeRequest struct {
	Prompt       string
	SystemPrompt string
	ConfigPath   string
	Env          []string
	WorkDir      string
	Timeout      time.Duration
}

// InvokeResult is what a RuntimeAdapter reports back after a session
// completes, recorded into the session row (spec §3 Session).
type InvokeResult struct {
	Output       string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	ToolCalls    []domain.ToolCall
}

// RuntimeAdapter is the pluggable LLM invocation strategy (spec §4.6):
// binary_name, build_config_file, parse_system_prompt_file, invoke, reset.
type RuntimeAdapter interface {
	// BinaryName is the executable this adapter looks for on PATH.
	BinaryName() string

	// BuildConfigFile writes whatever config the CLI binary needs (e.g. an
	// MCP server declaration pointing at ep) into dir, returning its path.
	BuildConfigFile(dir string, ep ToolEndpoint) (string, error)

	// ParseSystemPromptFile reads and returns the resolved system prompt
	// text for path, or "" if path is empty.
	ParseSystemPromptFile(path string) (string, error)

	// Invoke runs one LLM session to completion and returns its result.
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)

	// Reset releases any adapter-held resources (e.g. a lingering
	// subprocess) synchronously. Called when a drain deadline expires
	// with sessions still in flight (spec §9 open-question decision).
	Reset(ctx context.Context) error
}

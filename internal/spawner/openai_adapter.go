package spawner

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/butlerfleet/butlers/internal/domain"
)

// NewOpenAISDKAdapter calls an OpenAI-compatible chat-completions API
// directly over HTTP through the SDK client, rather than shelling out to a
// CLI binary — the third runtime adapter named in spec §4.6 ("a generic
// OpenAI-compatible SDK adapter"). It has no subprocess lifecycle to
// manage: BuildConfigFile and Reset are no-ops.
func NewOpenAISDKAdapter() RuntimeAdapter {
	return &openAISDKAdapter{}
}

type openAISDKAdapter struct{}

// BinaryName reports no binary: this adapter never execs a subprocess, so
// the orchestrator's advisory PATH check has nothing to look for.
func (a *openAISDKAdapter) BinaryName() string { return "" }

// BuildConfigFile is a no-op: the chat-completions API has no MCP-config
// file concept, so there is nothing to write for this adapter.
func (a *openAISDKAdapter) BuildConfigFile(dir string, ep ToolEndpoint) (string, error) {
	return "", nil
}

func (a *openAISDKAdapter) ParseSystemPromptFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *openAISDKAdapter) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	apiKey := envLookup(req.Env, "OPENAI_API_KEY")
	if apiKey == "" {
		return InvokeResult{}, &domain.ErrRuntimeInvocation{
			Adapter: "openai-sdk",
			Cause:   fmt.Errorf("OPENAI_API_KEY not present in the spawned session environment"),
		}
	}

	cfg := openai.DefaultConfig(apiKey)
	if base := envLookup(req.Env, "OPENAI_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	client := openai.NewClientWithConfig(cfg)

	model := envLookup(req.Env, "OPENAI_MODEL")
	if model == "" {
		model = openai.GPT4oMini
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return InvokeResult{}, &domain.ErrRuntimeInvocation{Adapter: "openai-sdk", Cause: err}
	}
	if len(resp.Choices) == 0 {
		return InvokeResult{}, &domain.ErrRuntimeInvocation{
			Adapter: "openai-sdk",
			Cause:   fmt.Errorf("empty choices in chat completion response"),
		}
	}

	return InvokeResult{
		Output:       resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Reset is a no-op: there is no lingering process or connection held
// between invocations for an HTTP SDK client.
func (a *openAISDKAdapter) Reset(ctx context.Context) error { return nil }

// envLookup finds key in a "KEY=VALUE" environment slice. It never falls
// back to os.Getenv, matching the isolation discipline buildEnv enforces:
// this adapter only ever sees what was explicitly assembled into the
// spawned session's environment (spec §4.6 "no other parent-process
// variables leak through").
func envLookup(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

package spawner

import "os"

// CoreAPIKeyEnvVars is the fixed set of LLM-provider credential names every
// spawned session's environment carries when resolvable, regardless of
// whether the butler's config declares them (spec §4.6 "a fixed set of
// core API key variables (e.g., ANTHROPIC_API_KEY, OPENAI_API_KEY)").
var CoreAPIKeyEnvVars = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"}

// buildEnv constructs an isolated process environment: PATH and HOME so the
// CLI binary can resolve its own dependencies, the fixed core API key
// variables, plus exactly the declared credentials the caller names — the
// butler's own required/optional env and every loaded module's declared
// credentials (spec §4.6 "credential isolation") — never the full parent
// environment.
func buildEnv(resolve func(name string) (string, bool), declared []string) []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}

	seen := map[string]bool{}
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		if v, ok := resolve(name); ok {
			env = append(env, name+"="+v)
		}
	}

	for _, name := range CoreAPIKeyEnvVars {
		add(name)
	}
	for _, name := range declared {
		add(name)
	}
	return env
}

package claude

import (
	"fmt"
	"os"
	"strings"
)

// buildEnv returns the environment for the claude subprocess.
//   - Inherits all parent env vars (Claude Code OAuth session is passed through).
//   - Strips CLAUDECODE so the subprocess can launch even inside an existing session
//     (mirrors `delete process.env.CLAUDECODE` in agent.ts).
//   - Strips CLAUDE_CODE_ENTRYPOINT so we can set our own.
//   - Sets CLAUDE_CODE_ENTRYPOINT=sdk-go for Anthropic telemetry.
//   - Sets MAX_THINKING_TOKENS=0 when ThinkingDisabled (documented way to disable thinking).
//   - Merges opts.Env (user-supplied extra vars, applied last so they win).
func buildEnv(opts *Options) []string {
	parent := os.Environ()
	out := make([]string, 0, len(parent)+3+len(opts.Env))
	for _, e := range parent {
		switch {
		case strings.HasPrefix(e, "CLAUDECODE="),
			strings.HasPrefix(e, "CLAUDE_CODE_ENTRYPOINT="),
			strings.HasPrefix(e, "MAX_THINKING_TOKENS="):
			continue
		}
		// Also strip any user-supplied keys so they can override.
		if idx := strings.IndexByte(e, '='); idx > 0 {
			if _, overridden := opts.Env[e[:idx]]; overridden {
				continue
			}
		}
		out = append(out, e)
	}
	out = append(out, "CLAUDE_CODE_ENTRYPOINT=sdk-go")
	out = append(out, "CLAUDE_AGENT_SDK_VERSION="+SDKVersion)
	if opts.Thinking == ThinkingDisabled {
		out = append(out, "MAX_THINKING_TOKENS=0")
	} else if opts.MaxThinkingTokens > 0 {
		out = append(out, fmt.Sprintf("MAX_THINKING_TOKENS=%d", opts.MaxThinkingTokens))
	}
	// Merge user-supplied env vars (last so they take precedence).
	for k, v := range opts.Env {
		out = append(out, k+"="+v)
	}
	return out
}

package claude

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gobwas/glob"
)

// HookEvent identifies the lifecycle event that triggered a hook callback.
type HookEvent string

const (
	HookEventPreToolUse HookEvent = "PreToolUse"
	HookEventPostToolUse HookEvent = "PostToolUse"
	// HookEventPostToolUseFailure fires after a tool call fails.
	HookEventPostToolUseFailure HookEvent = "PostToolUseFailure"
	HookEventNotification HookEvent = "Notification"
	HookEventStop         HookEvent = "Stop"
	HookEventSubagentStop HookEvent = "SubagentStop"
	// HookEventSubagentStart fires when a sub-agent is started.
	HookEventSubagentStart HookEvent = "SubagentStart"
	HookEventPreCompact       HookEvent = "PreCompact"
	HookEventUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookEventStart            HookEvent = "Start"
	HookEventPreBash          HookEvent = "PreBash"
	HookEventPostBash         HookEvent = "PostBash"
	HookEventPreEdit          HookEvent = "PreEdit"
	HookEventPostEdit         HookEvent = "PostEdit"
	HookEventSetup            HookEvent = "Setup"
	// HookEventPermissionRequest fires when Claude requests permission to use a tool.
	HookEventPermissionRequest HookEvent = "PermissionRequest"
)

// HookOutput is the return value of a HookFunc. All fields are optional.
type HookOutput struct {
	// Continue, if non-nil, controls whether the operation continues.
	Continue *bool `json:"continue,omitempty"`
	// SuppressOutput prevents the hook output from being shown to the user.
	SuppressOutput bool `json:"suppressOutput,omitempty"`
	// StopReason is the reason provided when the hook stops execution.
	StopReason string `json:"stopReason,omitempty"`
	// Decision is an approval/rejection decision ("approve", "reject", "ask").
	Decision string `json:"decision,omitempty"`
	// SystemMessage is an additional message injected into the context.
	SystemMessage string `json:"systemMessage,omitempty"`
	// Reason is the reason for the decision.
	Reason string `json:"reason,omitempty"`
	// HookSpecificOutput holds hook-type-specific structured output.
	HookSpecificOutput map[string]any `json:"hookSpecificOutput,omitempty"`
}

// HookFunc is the signature for a hook callback function.
// ctx is cancelled when the callback's timeout (HookMatcher.Timeout or
// WithCallbackTimeout) elapses or the CLI sends a matching
// control_cancel_request; a well-behaved hook polls ctx.Done() on any
// long-running path and returns early when it fires. The dispatcher replies
// to the CLI with an error response the moment ctx is cancelled regardless
// of whether the hook has returned, so a hook that ignores ctx simply keeps
// running unobserved rather than blocking the reply. event is the lifecycle
// event, input is the raw JSON payload from the CLI, and toolUseID is the
// tool use ID (non-empty for tool-related events).
type HookFunc func(ctx context.Context, event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error)

// HookMatcher configures one or more hook functions for a specific tool matcher pattern.
type HookMatcher struct {
	// Matcher is a glob-style pattern matching the tool name (empty = match all).
	Matcher string
	// Hooks are the callback functions to invoke when the matcher fires. Each
	// function is registered under its own callback ID and is invoked
	// individually when the CLI sends a hook_callback for that ID; a
	// Decision of "reject"/"block" from one hook does not stop this SDK from
	// running the others.
	Hooks []HookFunc
	// Timeout is the timeout in milliseconds for each hook invocation (0 = default).
	Timeout int
}

// compile parses Matcher into a glob.Glob usable against tool names. An
// empty Matcher compiles to a glob that matches everything.
func (m HookMatcher) compile() (glob.Glob, error) {
	pattern := m.Matcher
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("claude: hook matcher %q: %w", m.Matcher, err)
	}
	return g, nil
}

// hookEntry is one registered callback: the function itself, plus the
// compiled matcher it was registered under. Matches can check a tool name
// against that matcher, but the control client's hook_callback path does not
// call it: it invokes the entry for whatever callback ID the CLI sends.
type hookEntry struct {
	event   HookEvent
	fn      HookFunc
	matcher glob.Glob
	timeout int
}

// Matches reports whether toolName satisfies this entry's compiled matcher.
// A nil matcher (failed to compile) matches nothing, erring closed.
func (h hookEntry) Matches(toolName string) bool {
	if h.matcher == nil {
		return false
	}
	if toolName == "" {
		return true
	}
	return h.matcher.Match(toolName)
}

// hookRegistry maps callback IDs (assigned at init time) to hookEntry values.
// Used by the control client to dispatch hook_callback control_requests.
type hookRegistry map[string]hookEntry

// buildHooksForInitialize converts the user-supplied hook map into the format
// expected by the claude CLI's initialize message, and returns a registry
// mapping each generated callback ID to its corresponding hookEntry.
//
// Matcher patterns that fail to compile are skipped entirely (and therefore
// never sent to the CLI, never invoked) rather than silently matching
// everything — a mistyped glob should fail loud in tests, not widen scope.
func buildHooksForInitialize(hooks map[HookEvent][]HookMatcher) (map[string]any, hookRegistry) {
	if len(hooks) == 0 {
		return map[string]any{}, hookRegistry{}
	}

	reg := hookRegistry{}
	hooksConfig := make(map[string]any, len(hooks))

	for event, matchers := range hooks {
		var matcherConfigs []map[string]any
		for _, matcher := range matchers {
			compiled, err := matcher.compile()
			if err != nil {
				continue
			}
			for _, fn := range matcher.Hooks {
				cbID := newCallbackID()
				reg[cbID] = hookEntry{event: event, fn: fn, matcher: compiled, timeout: matcher.Timeout}
				cfg := map[string]any{
					"callback_id": cbID,
				}
				if matcher.Matcher != "" {
					cfg["matcher"] = matcher.Matcher
				}
				if matcher.Timeout > 0 {
					cfg["timeout"] = matcher.Timeout
				}
				matcherConfigs = append(matcherConfigs, cfg)
			}
		}
		if len(matcherConfigs) > 0 {
			hooksConfig[string(event)] = matcherConfigs
		}
	}

	return hooksConfig, reg
}

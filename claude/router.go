package claude

// TransportChoice is the outcome of routing one Options value to a transport
// implementation.
type TransportChoice string

const (
	// ChoiceStreamingOnly is a one-shot subprocess that never needs to answer
	// control_requests from the CLI: no hooks, no in-process MCP tools, no
	// permission callback, no sub-agents, and the default permission mode.
	ChoiceStreamingOnly TransportChoice = "streaming-only"

	// ChoiceControlClient is a subprocess driven through the full control
	// protocol: it must answer can_use_tool / hook_callback / sdk_mcp_request
	// control_requests and may receive mid-session set_model / set_agent
	// control_requests from the host.
	ChoiceControlClient TransportChoice = "control-client"
)

// PreferredTransport lets a caller override the Router's decision.
type PreferredTransport string

const (
	// PreferredTransportAuto runs the Router's decision table (the default).
	PreferredTransportAuto PreferredTransport = "auto"
	// PreferredTransportStreamingOnly forces ChoiceStreamingOnly even when the
	// decision table would pick the control client; options requiring control
	// (hooks, in-process MCP, callbacks, agents, non-default permission mode)
	// are rejected with an error rather than silently ignored.
	PreferredTransportStreamingOnly PreferredTransport = "streaming-only"
	// PreferredTransportControlClient forces ChoiceControlClient even when
	// nothing in Options requires it.
	PreferredTransportControlClient PreferredTransport = "control"
)

// RouterDecision is the diagnostic form of Select, carrying the reasons a
// choice was made so hosts can log or assert on routing behaviour in tests.
type RouterDecision struct {
	Choice  TransportChoice
	Reasons []string
}

// Select is a pure function from Options to a TransportChoice. It never
// touches the filesystem, the network, or any subprocess — the same Options
// value always yields the same choice, which is what makes it property-testable
// (see router_test.go).
//
// Decision table:
//   - any hooks configured                              → control-client
//   - any SDK-in-process MCP server configured           → control-client
//   - a PermissionHandler is set                          → control-client
//   - one or more sub-agents configured                   → control-client
//   - PermissionMode is anything but the default/empty value → control-client
//   - none of the above                                   → streaming-only
func Select(o *Options) (TransportChoice, error) {
	d := Explain(o)
	if o.PreferredTransport == PreferredTransportStreamingOnly && d.Choice == ChoiceControlClient {
		return "", &SetupError{
			Reason: "PreferredTransportStreamingOnly requested but options require the control client: " + joinReasons(d.Reasons),
		}
	}
	if o.PreferredTransport == PreferredTransportControlClient {
		return ChoiceControlClient, nil
	}
	return d.Choice, nil
}

// Explain runs the same decision table as Select but always returns the
// reasons that drove the choice, ignoring any PreferredTransport override.
// Useful for diagnostics and for asserting routing behaviour in tests.
func Explain(o *Options) RouterDecision {
	var reasons []string

	if len(o.Hooks) > 0 {
		reasons = append(reasons, "hooks configured")
	}
	if hasSDKInProcessServer(o.McpServers) {
		reasons = append(reasons, "SDK-in-process MCP server configured")
	}
	if o.PermissionHandler != nil {
		reasons = append(reasons, "permission handler configured")
	}
	if len(o.Agents) > 0 {
		reasons = append(reasons, "sub-agents configured")
	}
	if o.PermissionMode != "" && o.PermissionMode != PermissionModeBypassPermissions {
		reasons = append(reasons, "non-default permission mode: "+string(o.PermissionMode))
	}

	if len(reasons) == 0 {
		return RouterDecision{Choice: ChoiceStreamingOnly}
	}
	return RouterDecision{Choice: ChoiceControlClient, Reasons: reasons}
}

// hasSDKInProcessServer reports whether any configured MCP server is the
// SDK-in-process variant (an *SDKMCPServer), as opposed to an external
// stdio/HTTP/SSE server that never needs the control plane's sdk_mcp_request
// handling.
func hasSDKInProcessServer(servers map[string]any) bool {
	for _, v := range servers {
		if _, ok := v.(*SDKMCPServer); ok {
			return true
		}
	}
	return false
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

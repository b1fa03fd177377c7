package claude

import (
	"encoding/json"
	"fmt"
)

// FrameKind classifies one inbound line from the claude subprocess's stdout,
// per spec.md §4.2's three wire shapes plus the catch-all complete-message
// case.
type FrameKind string

const (
	// FrameControlRequest is an inbound control_request the host must answer
	// (can_use_tool, hook_callback, sdk_mcp_request).
	FrameControlRequest FrameKind = "control_request"
	// FrameControlResponse is a reply to a control_request this process sent
	// (initialize, set_model, set_permission_mode, set_max_thinking_tokens,
	// set_agent).
	FrameControlResponse FrameKind = "control_response"
	// FrameStreamEvent carries an incremental assistant-message delta.
	FrameStreamEvent FrameKind = "stream_event"
	// FrameSDKMessage is a complete message (assistant/user/system/result).
	FrameSDKMessage FrameKind = "sdk_message"
)

// ClassifyFrame inspects a raw JSON line's top-level "type" field and
// returns its FrameKind without fully decoding the payload. A line that is
// not valid JSON returns an error; the caller decides whether to log and
// skip it or treat it as a fatal decode failure.
func ClassifyFrame(line []byte) (FrameKind, error) {
	t, err := rawEnvelopeType(line)
	if err != nil {
		return "", &CLIJSONDecodeError{Line: append([]byte(nil), line...), Err: err}
	}
	switch t {
	case string(FrameControlRequest):
		return FrameControlRequest, nil
	case string(FrameControlResponse):
		return FrameControlResponse, nil
	case string(FrameStreamEvent):
		return FrameStreamEvent, nil
	default:
		return FrameSDKMessage, nil
	}
}

// ─── Inbound envelopes ────────────────────────────────────────────────────────

// ControlRequestEnvelope is the decoded shape of an inbound control_request.
// Only the fields relevant to the request's Subtype are populated by the CLI;
// the rest are left at their zero value.
type ControlRequestEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype string `json:"subtype"`

		// can_use_tool fields.
		ToolName       string             `json:"tool_name"`
		ToolUseID      string             `json:"tool_use_id"`
		Input          json.RawMessage    `json:"input"`
		Suggestions    []PermissionUpdate `json:"permission_suggestions,omitempty"`
		BlockedPath    string             `json:"blocked_path,omitempty"`
		DecisionReason string             `json:"decision_reason,omitempty"`
		AgentID        string             `json:"agent_id,omitempty"`

		// hook_callback fields.
		CallbackID string    `json:"callback_id,omitempty"`
		HookEvent  HookEvent `json:"hook_event,omitempty"`

		// sdk_mcp_request fields: a JSON-RPC request embedded verbatim.
		ServerName string          `json:"server_name,omitempty"`
		JSONRPC    json.RawMessage `json:"mcp_request,omitempty"`

		// control_cancel_request fields.
		CancelRequestID string `json:"cancel_request_id,omitempty"`

		// set_model / set_permission_mode / set_max_thinking_tokens / set_agent.
		Model             string `json:"model,omitempty"`
		PermissionMode    string `json:"permission_mode,omitempty"`
		MaxThinkingTokens int    `json:"max_thinking_tokens,omitempty"`
		AgentName         string `json:"agent_name,omitempty"`
	} `json:"request"`
}

// ControlResponseEnvelope is the decoded shape of a control_response replying
// to an outbound control_request this process sent.
type ControlResponseEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Response  struct {
		Subtype   string `json:"subtype"`
		RequestID string `json:"request_id,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"response"`
}

// DecodeControlRequest decodes a classified control_request line.
func DecodeControlRequest(line []byte) (ControlRequestEnvelope, error) {
	var env ControlRequestEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, &CLIJSONDecodeError{Line: append([]byte(nil), line...), Err: err}
	}
	return env, nil
}

// DecodeControlResponse decodes a classified control_response line.
func DecodeControlResponse(line []byte) (ControlResponseEnvelope, error) {
	var env ControlResponseEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, &CLIJSONDecodeError{Line: append([]byte(nil), line...), Err: err}
	}
	// Some CLI versions nest request_id under response instead of top-level.
	if env.RequestID == "" {
		env.RequestID = env.Response.RequestID
	}
	return env, nil
}

// ─── Outbound encoders ────────────────────────────────────────────────────────

// EncodeInitialize builds the control_request initialize message sent to
// stdin at session start. Any *SDKMCPServer value in opts.McpServers is
// rendered via its manifest() (the sdk-variant shape the CLI expects);
// everything else (McpStdioServer, McpHTTPServer, McpSSEServer) is passed
// through as-is.
func EncodeInitialize(opts *Options, hooksConfig map[string]any) any {
	servers := any(map[string]any{})
	if len(opts.McpServers) > 0 {
		merged := make(map[string]any, len(opts.McpServers))
		for k, v := range opts.McpServers {
			if sdk, ok := v.(*SDKMCPServer); ok {
				merged[k] = sdk.manifest()
				continue
			}
			merged[k] = v
		}
		servers = merged
	}

	agents := any(map[string]any{})
	if len(opts.Agents) > 0 {
		m := make(map[string]any, len(opts.Agents))
		for k, v := range opts.Agents {
			m[k] = v
		}
		agents = m
	}

	req := map[string]any{
		"subtype":            "initialize",
		"systemPrompt":       opts.SystemPrompt,
		"appendSystemPrompt": opts.AppendSystemPrompt,
		"sdkMcpServers":      servers,
		"hooks":              hooksConfig,
		"agents":             agents,
		"promptSuggestions":  false,
	}

	if opts.OutputFormat != nil {
		req["outputFormat"] = opts.OutputFormat.Type
		if opts.OutputFormat.Schema != nil {
			req["jsonSchema"] = opts.OutputFormat.Schema
		}
	}
	if opts.Sandbox != nil {
		req["sandbox"] = opts.Sandbox
	}

	return map[string]any{
		"type":       "control_request",
		"request_id": newRequestID(),
		"request":    req,
	}
}

// EncodeUserMessage builds the user message sent on stdin to start a turn.
func EncodeUserMessage(prompt, sessionID string) any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         sessionID,
	}
}

// EncodeControlRequest wraps an outbound control_request subtype and its
// extra fields, returning the wire value and the request ID used to
// correlate the eventual control_response.
func EncodeControlRequest(subtype string, extras map[string]any) (any, string) {
	reqID := newRequestID()
	req := map[string]any{"subtype": subtype}
	for k, v := range extras {
		req[k] = v
	}
	return map[string]any{
		"type":       "control_request",
		"request_id": reqID,
		"request":    req,
	}, reqID
}

// EncodeHookResponse builds the control_response for a hook_callback request.
// Per the Stop hook's special case (spec.md §9's multi-matcher note), a
// Decision of "block"/"reject" is translated to Continue=false when the hook
// itself left Continue unset.
func EncodeHookResponse(requestID string, event HookEvent, output *HookOutput, err error) any {
	if err != nil {
		return map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": requestID,
				"error":      err.Error(),
			},
		}
	}
	resp := map[string]any{
		"subtype":    "success",
		"request_id": requestID,
	}
	if output != nil {
		if event == HookEventStop && output.Continue == nil &&
			(output.Decision == "reject" || output.Decision == "block") {
			f := false
			output.Continue = &f
		}
		resp["response"] = output
	}
	return map[string]any{"type": "control_response", "response": resp}
}

// EncodePermissionResponse builds the control_response for a can_use_tool request.
func EncodePermissionResponse(requestID, toolUseID string, result PermissionResult) any {
	allowed := result.Behavior != "deny"
	resp := map[string]any{
		"allowed":   allowed,
		"toolUseID": toolUseID,
	}
	if result.UpdatedInput != nil {
		resp["updatedInput"] = result.UpdatedInput
	}
	if len(result.UpdatedPermissions) > 0 {
		resp["updatedPermissions"] = result.UpdatedPermissions
	}
	if result.Message != "" {
		resp["message"] = result.Message
	}
	if result.Interrupt {
		resp["interrupt"] = true
	}
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   resp,
		},
	}
}

// EncodeMCPResponse wraps a JSON-RPC reply from the in-process SDK-MCP shim
// into the control_response the CLI expects for an sdk_mcp_request.
func EncodeMCPResponse(requestID string, jsonrpcReply any) any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":      "success",
			"request_id":   requestID,
			"mcp_response": jsonrpcReply,
		},
	}
}

// EncodeAck acknowledges a control_request that needs no payload in its
// response (set_model, set_permission_mode, set_max_thinking_tokens, set_agent
// notifications echoed back from the CLI side, or any other notification this
// process does not need to act on).
func EncodeAck(requestID string) any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
		},
	}
}

// EncodeErrorAck acknowledges a control_request with a failure.
func EncodeErrorAck(requestID string, err error) any {
	return map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      fmt.Sprint(err),
		},
	}
}

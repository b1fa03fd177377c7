package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ─── Callback registry ────────────────────────────────────────────────────────

// CallbackRegistry is an append-only map from opaque callback IDs (minted at
// handshake time) to the host functions they were registered for. It backs
// both hook dispatch (hookRegistry, built once per Options in hooks.go) and
// any callback the control client needs to look up by ID on the dispatcher
// goroutine — lookups never block, and registration only ever adds entries
// for the lifetime of a ControlClient.
type CallbackRegistry struct {
	mu      sync.RWMutex
	entries map[string]hookEntry
}

// NewCallbackRegistry wraps a hookRegistry built by buildHooksForInitialize.
func NewCallbackRegistry(reg hookRegistry) *CallbackRegistry {
	entries := make(map[string]hookEntry, len(reg))
	for k, v := range reg {
		entries[k] = v
	}
	return &CallbackRegistry{entries: entries}
}

// Lookup returns the entry registered for id, if any.
func (r *CallbackRegistry) Lookup(id string) (hookEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// ─── SDK-in-process MCP server ───────────────────────────────────────────────

// ToolHandler handles one tools/call invocation. input is the raw,
// undecoded JSON arguments object; the returned value is marshalled as the
// tool result's structured content.
type ToolHandler func(ctx context.Context, input json.RawMessage) (any, error)

// toolEntry is one registered SDK-in-process tool.
type toolEntry struct {
	name        string
	description string
	schema      *jsonschema.Schema
	handler     ToolHandler
}

// SDKMCPServer is an in-process MCP server: its tools are answered directly
// inside this process by the control client's JSON-RPC shim, without an HTTP
// listener or a subprocess — the true "SDK-in-process" McpServer variant.
// Compare with the external-subprocess/HTTP-bridge helpers in mcp.go, which
// exist for MCP servers that are genuinely separate processes.
type SDKMCPServer struct {
	name    string
	version string

	mu    sync.RWMutex
	tools map[string]toolEntry
	order []string
}

// NewSDKMCPServer creates an in-process MCP server identified by name and
// version in the tools/list response and MCP initialize handshake.
func NewSDKMCPServer(name, version string) *SDKMCPServer {
	return &SDKMCPServer{name: name, version: version, tools: map[string]toolEntry{}}
}

// AddTool registers a typed tool. The input schema is derived from In via
// reflection (github.com/google/jsonschema-go), matching the pattern the
// external modelcontextprotocol/go-sdk uses for its own generic AddTool.
func AddTool[In any](s *SDKMCPServer, name, description string, handler func(ctx context.Context, input In) (any, error)) error {
	schema, err := jsonschema.For[In]()
	if err != nil {
		return fmt.Errorf("claude: mcp tool %q: derive input schema: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[name]; !exists {
		s.order = append(s.order, name)
	}
	s.tools[name] = toolEntry{
		name:        name,
		description: description,
		schema:      schema,
		handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in In
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, fmt.Errorf("claude: mcp tool %q: decode input: %w", name, err)
				}
			}
			return handler(ctx, in)
		},
	}
	return nil
}

// manifest is the sdkMcpServers entry sent in the initialize message for
// this server: name/version plus the tool catalogue, so the CLI knows to
// route tools/call for these names to control_request sdk_mcp_request
// instead of spawning an external process.
func (s *SDKMCPServer) manifest() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]map[string]any, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		tools = append(tools, map[string]any{
			"name":        t.name,
			"description": t.description,
			"inputSchema": t.schema,
		})
	}
	return map[string]any{
		"type":    "sdk",
		"name":    s.name,
		"version": s.version,
		"tools":   tools,
	}
}

// jsonrpcError is the standard JSON-RPC 2.0 error object.
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	jsonrpcMethodNotFound = -32601
	jsonrpcInvalidParams  = -32602
	jsonrpcInternalError  = -32603
)

// HandleJSONRPC answers one JSON-RPC request embedded in an sdk_mcp_request
// control_request: initialize, tools/list, tools/call, or — for anything
// else — a -32601 Method Not Found error, per spec.md §4.6.
func (s *SDKMCPServer) HandleJSONRPC(ctx context.Context, method string, id, params json.RawMessage) map[string]any {
	switch method {
	case "initialize":
		return s.jsonrpcResult(id, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})

	case "tools/list":
		s.mu.RLock()
		tools := make([]map[string]any, 0, len(s.order))
		for _, name := range s.order {
			t := s.tools[name]
			tools = append(tools, map[string]any{
				"name":        t.name,
				"description": t.description,
				"inputSchema": t.schema,
			})
		}
		s.mu.RUnlock()
		return s.jsonrpcResult(id, map[string]any{"tools": tools})

	case "tools/call":
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(params, &call); err != nil {
			return s.jsonrpcError(id, jsonrpcInvalidParams, "invalid tools/call params: "+err.Error())
		}
		s.mu.RLock()
		entry, ok := s.tools[call.Name]
		s.mu.RUnlock()
		if !ok {
			return s.jsonrpcError(id, jsonrpcInvalidParams, "unknown tool: "+call.Name)
		}
		result, err := entry.handler(ctx, call.Arguments)
		if err != nil {
			return s.jsonrpcError(id, jsonrpcInternalError, err.Error())
		}
		return s.jsonrpcResult(id, map[string]any{
			"content": []map[string]any{{"type": "text", "text": fmt.Sprint(result)}},
			"structuredContent": result,
			"isError":           false,
		})

	default:
		return s.jsonrpcError(id, jsonrpcMethodNotFound, "method not found: "+method)
	}
}

func (s *SDKMCPServer) jsonrpcResult(id json.RawMessage, result any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": rawOrNull(id), "result": result}
}

func (s *SDKMCPServer) jsonrpcError(id json.RawMessage, code int, message string) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": rawOrNull(id), "error": jsonrpcError{Code: code, Message: message}}
}

func rawOrNull(id json.RawMessage) any {
	if len(id) == 0 {
		return nil
	}
	return id
}

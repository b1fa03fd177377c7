package claude

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControlClient(t *testing.T, mutate func(*Options)) (*ControlClient, *mockTransport) {
	t.Helper()
	opts := defaultOptions()
	if mutate != nil {
		mutate(opts)
	}
	mt := newMockTransport()
	cc, err := newControlClient(context.Background(), opts, mt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc, mt
}

func waitForSent(t *testing.T, mt *mockTransport, n int) []map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		sent := mt.sentMessages()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(sent))
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNewControlClient_SendsInitialize(t *testing.T) {
	t.Parallel()
	_, mt := newTestControlClient(t, nil)

	sent := waitForSent(t, mt, 1)
	assert.Equal(t, "control_request", sent[0]["type"])
	req := sent[0]["request"].(map[string]any)
	assert.Equal(t, "initialize", req["subtype"])
}

func TestControlClient_SendMessage_ActivatesImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	waitForSent(t, mt, 1) // initialize

	events, err := cc.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	sent := waitForSent(t, mt, 2)
	userMsg := sent[1]
	assert.Equal(t, "user", userMsg["type"])
	msg := userMsg["message"].(map[string]any)
	assert.Equal(t, "hello", msg["content"])

	mt.pushLine(map[string]any{"type": "result", "session_id": "sess-1"})

	select {
	case e, ok := <-events:
		require.True(t, ok)
		assert.Equal(t, TypeResult, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result event")
	}

	// The channel is closed once the turn's result has been delivered.
	_, open := <-events
	assert.False(t, open)
}

func TestControlClient_SendMessage_QueuesFIFO(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	waitForSent(t, mt, 1)

	evA, err := cc.SendMessage(context.Background(), "first")
	require.NoError(t, err)
	waitForSent(t, mt, 2)

	evB, err := cc.SendMessage(context.Background(), "second")
	require.NoError(t, err)

	// "second" must not be sent to the transport until "first" finishes.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, mt.sentMessages(), 2)

	mt.pushLine(map[string]any{"type": "result", "session_id": "sess-1"})
	select {
	case <-evA:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first turn's result")
	}
	<-evA // drain close

	sent := waitForSent(t, mt, 3)
	msg := sent[2]["message"].(map[string]any)
	assert.Equal(t, "second", msg["content"])

	mt.pushLine(map[string]any{"type": "result", "session_id": "sess-1"})
	select {
	case e := <-evB:
		assert.Equal(t, TypeResult, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second turn's result")
	}
}

func TestControlClient_SetModel_UpdatesSnapshotOnSuccess(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	waitForSent(t, mt, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.SetModel("claude-opus-4-7") }()

	sent := waitForSent(t, mt, 2)
	reqID := sent[1]["request_id"].(string)
	mt.pushLine(map[string]any{
		"type":     "control_response",
		"response": map[string]any{"subtype": "success", "request_id": reqID},
	})

	require.NoError(t, <-errCh)
	assert.Equal(t, "claude-opus-4-7", cc.CurrentModel())
}

func TestControlClient_SetModel_ErrorResponseSurfacesControlRequestError(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	waitForSent(t, mt, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.SetModel("nonexistent-model") }()

	sent := waitForSent(t, mt, 2)
	reqID := sent[1]["request_id"].(string)
	mt.pushLine(map[string]any{
		"type":     "control_response",
		"response": map[string]any{"subtype": "error", "request_id": reqID, "error": "unknown model"},
	})

	err := <-errCh
	require.Error(t, err)
	var cre *ControlRequestError
	require.ErrorAs(t, err, &cre)
	assert.Contains(t, cre.Message, "unknown model")
	assert.Equal(t, cc.opts.Model, cc.CurrentModel())
}

func TestControlClient_SetAgent_UpdatesSnapshotOnSuccess(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	waitForSent(t, mt, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- cc.SetAgent("reviewer") }()

	sent := waitForSent(t, mt, 2)
	reqID := sent[1]["request_id"].(string)
	mt.pushLine(map[string]any{
		"type":     "control_response",
		"response": map[string]any{"subtype": "success", "request_id": reqID},
	})
	require.NoError(t, <-errCh)
}

func TestControlClient_CanUseTool_InvokesPermissionHandler(t *testing.T) {
	t.Parallel()
	called := make(chan string, 1)
	cc, mt := newTestControlClient(t, func(o *Options) {
		o.PermissionHandler = func(toolName string, input json.RawMessage, ctx PermissionContext) PermissionResult {
			called <- toolName
			return PermissionResult{Behavior: "allow"}
		}
	})
	waitForSent(t, mt, 1)

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-perm-1",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "Bash",
			"tool_use_id": "tool-1",
			"input":       map[string]any{"command": "ls"},
		},
	})

	select {
	case name := <-called:
		assert.Equal(t, "Bash", name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for permission handler invocation")
	}

	sent := waitForSent(t, mt, 2)
	resp := sent[1]["response"].(map[string]any)
	assert.Equal(t, "req-perm-1", resp["request_id"])
	inner := resp["response"].(map[string]any)
	assert.Equal(t, true, inner["allowed"])
}

func TestControlClient_CanUseTool_DefaultsToAllowWithoutHandler(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	_ = cc
	waitForSent(t, mt, 1)

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-perm-2",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "Read",
			"tool_use_id": "tool-2",
		},
	})

	sent := waitForSent(t, mt, 2)
	resp := sent[1]["response"].(map[string]any)
	inner := resp["response"].(map[string]any)
	assert.Equal(t, true, inner["allowed"])
}

func TestControlClient_HookCallback_UnknownCallbackIDAcksWithoutInvoking(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	_ = cc
	waitForSent(t, mt, 1)

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-hook-1",
		"request": map[string]any{
			"subtype":     "hook_callback",
			"callback_id": "does-not-exist",
		},
	})

	sent := waitForSent(t, mt, 2)
	resp := sent[1]["response"].(map[string]any)
	assert.Equal(t, "success", resp["subtype"])
	assert.Equal(t, "req-hook-1", resp["request_id"])
}

func TestControlClient_HookCallback_InvokesRegisteredHook(t *testing.T) {
	t.Parallel()
	invoked := make(chan HookEvent, 1)
	fn := HookFunc(func(ctx context.Context, event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error) {
		invoked <- event
		return &HookOutput{}, nil
	})

	cc, mt := newTestControlClient(t, func(o *Options) {
		o.Hooks = map[HookEvent][]HookMatcher{
			HookEventPreToolUse: {{Hooks: []HookFunc{fn}}},
		}
	})
	sent := waitForSent(t, mt, 1)
	req := sent[0]["request"].(map[string]any)
	hooksCfg := req["hooks"].(map[string]any)
	preToolUse := hooksCfg[string(HookEventPreToolUse)].([]any)
	require.Len(t, preToolUse, 1)
	matcherCfg := preToolUse[0].(map[string]any)
	cbID := matcherCfg["callback_id"].(string)

	_, ok := cc.callbacks.Lookup(cbID)
	require.True(t, ok)

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-hook-2",
		"request": map[string]any{
			"subtype":     "hook_callback",
			"callback_id": cbID,
			"hook_event":  string(HookEventPreToolUse),
		},
	})

	select {
	case ev := <-invoked:
		assert.Equal(t, HookEventPreToolUse, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hook invocation")
	}

	sent2 := waitForSent(t, mt, 2)
	resp := sent2[1]["response"].(map[string]any)
	assert.Equal(t, "req-hook-2", resp["request_id"])
}

func TestControlClient_SDKMCPRequest_RoutesToRegisteredServer(t *testing.T) {
	t.Parallel()
	server := NewSDKMCPServer("tools", "1.0")
	require.NoError(t, AddTool(server, "ping", "pings", func(_ context.Context, _ struct{}) (any, error) {
		return "pong", nil
	}))

	cc, mt := newTestControlClient(t, func(o *Options) {
		o.McpServers = map[string]any{"tools": server}
	})
	_ = cc
	waitForSent(t, mt, 1)

	rpcReq, _ := json.Marshal(map[string]any{
		"method": "tools/call",
		"id":     1,
		"params": map[string]any{"name": "ping", "arguments": map[string]any{}},
	})

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-mcp-1",
		"request": map[string]any{
			"subtype":     "sdk_mcp_request",
			"server_name": "tools",
			"mcp_request": json.RawMessage(rpcReq),
		},
	})

	sent := waitForSent(t, mt, 2)
	resp := sent[1]["response"].(map[string]any)
	assert.Equal(t, "success", resp["subtype"])
	assert.Contains(t, resp, "mcp_response")
}

func TestControlClient_SDKMCPRequest_UnknownServerErrors(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	_ = cc
	waitForSent(t, mt, 1)

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-mcp-2",
		"request": map[string]any{
			"subtype":     "sdk_mcp_request",
			"server_name": "missing",
			"mcp_request": json.RawMessage(`{}`),
		},
	})

	sent := waitForSent(t, mt, 2)
	resp := sent[1]["response"].(map[string]any)
	assert.Equal(t, "error", resp["subtype"])
}

// findResponse locates the control_response addressed to reqID among sent
// messages, or nil if none has arrived yet.
func findResponse(sent []map[string]any, reqID string) map[string]any {
	for _, m := range sent {
		resp, ok := m["response"].(map[string]any)
		if !ok {
			continue
		}
		if resp["request_id"] == reqID {
			return resp
		}
	}
	return nil
}

func waitForResponse(t *testing.T, mt *mockTransport, reqID string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if resp := findResponse(mt.sentMessages(), reqID); resp != nil {
			return resp
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a response to %q", reqID)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestControlClient_ControlCancelRequest_CancelsCallbackContext(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	cancelled := make(chan struct{})
	fn := HookFunc(func(ctx context.Context, event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error) {
		return &HookOutput{}, nil
	})

	cc, mt := newTestControlClient(t, func(o *Options) {
		o.Hooks = map[HookEvent][]HookMatcher{
			HookEventPreToolUse: {{Hooks: []HookFunc{fn}}},
		}
	})
	sent := waitForSent(t, mt, 1)
	req := sent[0]["request"].(map[string]any)
	hooksCfg := req["hooks"].(map[string]any)
	preToolUse := hooksCfg[string(HookEventPreToolUse)].([]any)
	cbID := preToolUse[0].(map[string]any)["callback_id"].(string)

	// Override the registered hook with one that blocks until the test lets
	// it go, so cancellation can be observed well before it ever returns.
	entry, _ := cc.callbacks.Lookup(cbID)
	entry.fn = func(ctx context.Context, event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error) {
		close(started)
		<-cancelled
		return &HookOutput{}, nil
	}
	cc.callbacks.entries[cbID] = entry

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-hook-3",
		"request": map[string]any{
			"subtype":     "hook_callback",
			"callback_id": cbID,
		},
	})
	<-started

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-cancel-1",
		"request": map[string]any{
			"subtype":           "control_cancel_request",
			"cancel_request_id": "req-hook-3",
		},
	})

	cancelResp := waitForResponse(t, mt, "req-cancel-1")
	assert.Equal(t, "req-cancel-1", cancelResp["request_id"])

	// The original hook_callback request must receive a prompt error reply
	// the instant its context is cancelled, independent of whether the
	// blocked callback function has returned.
	hookResp := waitForResponse(t, mt, "req-hook-3")
	assert.Equal(t, "error", hookResp["subtype"])

	// The blocked callback only unblocks now; it must not send a second,
	// late "success" reply for req-hook-3.
	close(cancelled)
	time.Sleep(20 * time.Millisecond)
	count := 0
	for _, m := range mt.sentMessages() {
		if resp, ok := m["response"].(map[string]any); ok && resp["request_id"] == "req-hook-3" {
			count++
		}
	}
	assert.Equal(t, 1, count, "req-hook-3 must receive exactly one response")
}

func TestControlClient_HookCallback_TimesOutIndependentlyOfSlowCallback(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	fn := HookFunc(func(ctx context.Context, event HookEvent, input json.RawMessage, toolUseID string) (*HookOutput, error) {
		<-release
		return &HookOutput{}, nil
	})

	cc, mt := newTestControlClient(t, func(o *Options) {
		o.CallbackTimeout = 50 * time.Millisecond
		o.Hooks = map[HookEvent][]HookMatcher{
			HookEventPreToolUse: {{Hooks: []HookFunc{fn}}},
		}
	})
	t.Cleanup(func() { close(release) })

	sent := waitForSent(t, mt, 1)
	req := sent[0]["request"].(map[string]any)
	hooksCfg := req["hooks"].(map[string]any)
	preToolUse := hooksCfg[string(HookEventPreToolUse)].([]any)
	cbID := preToolUse[0].(map[string]any)["callback_id"].(string)

	start := time.Now()
	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-hook-timeout",
		"request": map[string]any{
			"subtype":     "hook_callback",
			"callback_id": cbID,
		},
	})

	resp := waitForResponse(t, mt, "req-hook-timeout")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "error", resp["subtype"])
}

func TestControlClient_Close_ClosesActiveAndQueuedSubscribers(t *testing.T) {
	t.Parallel()
	cc, mt := newTestControlClient(t, nil)
	waitForSent(t, mt, 1)

	evA, err := cc.SendMessage(context.Background(), "a")
	require.NoError(t, err)
	waitForSent(t, mt, 2)
	evB, err := cc.SendMessage(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, cc.Close())

	select {
	case _, ok := <-evA:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for active subscriber channel to close")
	}
	select {
	case _, ok := <-evB:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued subscriber channel to close")
	}
}

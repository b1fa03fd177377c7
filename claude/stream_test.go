package claude

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamingSession(t *testing.T, mutate func(*Options)) (*StreamingSession, *mockTransport) {
	t.Helper()
	opts := defaultOptions()
	if mutate != nil {
		mutate(opts)
	}
	mt := newMockTransport()
	s, err := newStreamingSessionWithTransport(context.Background(), opts, mt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mt
}

func TestNewStreamingSession_SendsInitializeWithNoHooks(t *testing.T) {
	t.Parallel()
	_, mt := newTestStreamingSession(t, nil)

	sent := waitForSent(t, mt, 1)
	req := sent[0]["request"].(map[string]any)
	assert.Equal(t, "initialize", req["subtype"])
	hooks := req["hooks"].(map[string]any)
	assert.Empty(t, hooks)
}

func TestStreamingSession_SendMessage_Succeeds(t *testing.T) {
	t.Parallel()
	s, mt := newTestStreamingSession(t, nil)
	waitForSent(t, mt, 1)

	require.NoError(t, s.SendMessage(context.Background(), "hi"))
	sent := waitForSent(t, mt, 2)
	msg := sent[1]["message"].(map[string]any)
	assert.Equal(t, "hi", msg["content"])
}

func TestStreamingSession_SendMessage_BlocksUntilPreviousTurnResult(t *testing.T) {
	t.Parallel()
	s, mt := newTestStreamingSession(t, nil)
	waitForSent(t, mt, 1)

	require.NoError(t, s.SendMessage(context.Background(), "first"))
	waitForSent(t, mt, 2)

	sendDone := make(chan error, 1)
	go func() { sendDone <- s.SendMessage(context.Background(), "second") }()

	select {
	case <-sendDone:
		t.Fatal("second SendMessage returned before the first turn's result arrived")
	case <-time.After(50 * time.Millisecond):
	}

	mt.pushLine(map[string]any{"type": "result", "session_id": "sess-1"})

	select {
	case <-s.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first turn's result event")
	}

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second SendMessage never unblocked after first turn's result")
	}

	sent := waitForSent(t, mt, 3)
	msg := sent[2]["message"].(map[string]any)
	assert.Equal(t, "second", msg["content"])
}

func TestStreamingSession_CurrentSessionID_ExtractedFromResult(t *testing.T) {
	t.Parallel()
	s, mt := newTestStreamingSession(t, nil)
	waitForSent(t, mt, 1)

	assert.Empty(t, s.CurrentSessionID())

	require.NoError(t, s.SendMessage(context.Background(), "hi"))
	waitForSent(t, mt, 2)
	mt.pushLine(map[string]any{"type": "result", "session_id": "sess-42"})

	select {
	case <-s.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result event")
	}

	assert.Equal(t, "sess-42", s.CurrentSessionID())
}

func TestStreamingSession_ControlRequest_AcknowledgedReadOnly(t *testing.T) {
	t.Parallel()
	_, mt := newTestStreamingSession(t, nil)
	waitForSent(t, mt, 1)

	mt.pushLine(map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request":    map[string]any{"subtype": "set_model"},
	})

	sent := waitForSent(t, mt, 2)
	resp := sent[1]["response"].(map[string]any)
	assert.Equal(t, "success", resp["subtype"])
	assert.Equal(t, "req-1", resp["request_id"])
}

func TestStreamingSession_SetModel_RoutesControlResponse(t *testing.T) {
	t.Parallel()
	s, mt := newTestStreamingSession(t, nil)
	waitForSent(t, mt, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- s.SetModel("claude-opus-4-7") }()

	sent := waitForSent(t, mt, 2)
	reqID := sent[1]["request_id"].(string)
	mt.pushLine(map[string]any{
		"type":     "control_response",
		"response": map[string]any{"subtype": "success", "request_id": reqID},
	})

	require.NoError(t, <-errCh)
}

func TestStreamingSession_Close_StopsReadLoop(t *testing.T) {
	t.Parallel()
	s, mt := newTestStreamingSession(t, nil)
	waitForSent(t, mt, 1)

	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
}

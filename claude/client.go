package claude

import (
	"context"
	"fmt"
	"strings"
)

// QueryHandle is the common surface Query returns, regardless of which
// transport the Router picked. Control methods are safe to call
// concurrently with ranging over Events.
type QueryHandle interface {
	// Events returns the channel of events for this query. Closed when the
	// agent emits a TypeResult message, the subprocess exits, or the
	// context passed to Query is cancelled.
	Events() <-chan Event
	SetModel(model string) error
	SetPermissionMode(mode PermissionMode) error
	SetMaxThinkingTokens(n int) error
	// Interrupt initiates graceful shutdown of the underlying subprocess.
	Interrupt() error
}

// controlQueryHandle adapts a *ControlClient (and its one queued prompt) to
// QueryHandle for a single one-shot Query call, closing the control client
// once its event channel has been drained.
type controlQueryHandle struct {
	cc     *ControlClient
	events <-chan Event
}

func (h *controlQueryHandle) Events() <-chan Event { return h.events }
func (h *controlQueryHandle) SetModel(model string) error {
	return h.cc.SetModel(model)
}
func (h *controlQueryHandle) SetPermissionMode(mode PermissionMode) error {
	return h.cc.SetPermissionMode(mode)
}
func (h *controlQueryHandle) SetMaxThinkingTokens(n int) error {
	return h.cc.SetMaxThinkingTokens(n)
}
func (h *controlQueryHandle) Interrupt() error { return h.cc.Interrupt() }

// Query runs the claude agent with the given prompt and returns a QueryHandle
// for real-time event processing. The Router (router.go) decides whether the
// underlying transport needs the full control protocol (hooks, an
// in-process MCP server, a permission handler, sub-agents, or a non-default
// permission mode all force this) or can run as a plain streaming session.
//
// The returned handle's Events() channel is closed when the agent emits a
// TypeResult message, the subprocess exits, or ctx is cancelled. Callers
// should always range over the channel until it is closed.
//
// Example — stream all events:
//
//	handle, err := claude.Query(ctx, "What is 2+2?")
//	if err != nil { ... }
//	for event := range handle.Events() {
//	    switch event.Type {
//	    case claude.TypeAssistant:
//	        fmt.Print(event.Assistant.Text())
//	    case claude.TypeResult:
//	        fmt.Println("session:", event.Result.SessionID)
//	    }
//	}
func Query(ctx context.Context, prompt string, opts ...Option) (QueryHandle, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	choice, err := Select(o)
	if err != nil {
		return nil, err
	}

	switch choice {
	case ChoiceControlClient:
		cc, err := NewControlClient(ctx, o)
		if err != nil {
			return nil, err
		}
		events, err := cc.SendMessage(ctx, prompt)
		if err != nil {
			_ = cc.Close()
			return nil, err
		}
		// Query is one-shot: close the control client once this turn's
		// events have been fully drained, so callers don't need to remember
		// to call Close themselves (unlike the persistent Session API).
		drained := make(chan Event, 32)
		go func() {
			defer close(drained)
			for e := range events {
				drained <- e
			}
			_ = cc.Close()
		}()
		return &controlQueryHandle{cc: cc, events: drained}, nil

	default: // ChoiceStreamingOnly
		s, err := newStreamingSession(ctx, o)
		if err != nil {
			return nil, err
		}
		if err := s.SendMessage(ctx, prompt); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
}

// Run is a convenience wrapper around Query that blocks until the agent
// finishes and returns only the final Result.
//
// Intermediate events (streaming deltas, system messages, rate-limit events)
// are discarded. Use Query directly if you need to process them.
//
// Errors from the subprocess itself (bad flags, auth failures, crashes) are
// surfaced as Go errors so callers always get a meaningful message.
//
// Example:
//
//	result, err := claude.Run(ctx, "What is 2+2?",
//	    claude.WithModel("claude-haiku-4-5-20251001"),
//	    claude.WithThinking(claude.ThinkingDisabled),
//	)
//	if err != nil { ... }
//	fmt.Println(result.Result)
//	fmt.Println("session:", result.SessionID)
func Run(ctx context.Context, prompt string, opts ...Option) (*Result, error) {
	handle, err := Query(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}

	for event := range handle.Events() {
		switch event.Type {

		case TypeResult:
			r := event.Result
			if r.IsError {
				msg := r.Subtype
				if len(r.Errors) > 0 {
					msg = strings.Join(r.Errors, "; ")
				}
				return nil, fmt.Errorf("claude: agent error (%s): %s", r.Subtype, msg)
			}
			return r, nil

		case TypeSystem:
			// Surface process-level errors (bad flag, auth failure, crash)
			// synthesised when no result message arrived.
			if event.System != nil && event.System.Subtype == "error" {
				return nil, fmt.Errorf("claude: %s", event.System.Message)
			}
		}
	}

	return nil, fmt.Errorf("claude: agent finished without a result message")
}

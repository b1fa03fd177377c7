package claude

import "context"

// Session maintains a persistent Claude subprocess for multi-turn
// conversations, built on the control client so mid-session SetModel /
// SetAgent / SetPermissionMode calls and queued concurrent turns all work
// regardless of whether hooks or an in-process MCP server are configured.
//
// Typical usage:
//
//	session, err := claude.NewSession(ctx, claude.WithModel("claude-sonnet-4-6"))
//	if err != nil { ... }
//	defer session.Close()
//
//	_ = session.Send(ctx, "My name is Alice")
//	for event := range session.Events() {
//	    if event.Type == claude.TypeAssistant { fmt.Print(event.Assistant.Text()) }
//	    if event.Type == claude.TypeResult    { break }
//	}
//
//	_ = session.Send(ctx, "What is my name?")
//	for event := range session.Events() {
//	    if event.Type == claude.TypeAssistant { fmt.Print(event.Assistant.Text()) }
//	    if event.Type == claude.TypeResult    { break }
//	}
type Session struct {
	cc *ControlClient

	// currentEvents is the channel returned by the most recent Send call.
	// Events() exposes it so callers can keep using the teacher's
	// range-until-result idiom without holding onto Send's return value.
	currentEvents <-chan Event
}

// NewSession creates a new persistent Claude session. The subprocess is
// started immediately; the first turn begins when Send is called.
func NewSession(ctx context.Context, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	cc, err := NewControlClient(ctx, o)
	if err != nil {
		return nil, err
	}
	return &Session{cc: cc}, nil
}

// Send sends a user message and starts a new turn. Call this before ranging
// over Events() for each turn. If a previous turn is still in flight, the
// new turn is queued and Send returns immediately; ranging over Events()
// will simply block until the previous turn's result has been delivered and
// this one becomes active.
func (s *Session) Send(ctx context.Context, msg string) error {
	events, err := s.cc.SendMessage(ctx, msg)
	if err != nil {
		return err
	}
	s.currentEvents = events
	return nil
}

// Events returns the event channel for the most recent Send call. Range
// over it until TypeResult to consume one turn's events, then call Send for
// the next turn. The channel closes once that turn's result has been
// delivered.
func (s *Session) Events() <-chan Event {
	return s.currentEvents
}

// Close gracefully shuts down the session.
func (s *Session) Close() error {
	return s.cc.Close()
}

// SetModel asks the claude CLI to switch to a different model mid-session.
func (s *Session) SetModel(model string) error { return s.cc.SetModel(model) }

// SetPermissionMode asks the claude CLI to change the permission mode mid-session.
func (s *Session) SetPermissionMode(mode PermissionMode) error {
	return s.cc.SetPermissionMode(mode)
}

// SetMaxThinkingTokens asks the claude CLI to update the max thinking token budget.
func (s *Session) SetMaxThinkingTokens(n int) error { return s.cc.SetMaxThinkingTokens(n) }

// SetAgent switches the active named sub-agent mid-session.
func (s *Session) SetAgent(name string) error { return s.cc.SetAgent(name) }

// CurrentSessionID returns the session_id the CLI assigned, once known.
func (s *Session) CurrentSessionID() string { return s.cc.CurrentSessionID() }

// Interrupt initiates graceful shutdown. Equivalent to Close.
func (s *Session) Interrupt() error { return s.cc.Interrupt() }

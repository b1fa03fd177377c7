package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// controlAck is the decoded outcome of a control_response awaited by this
// process (set_model, set_permission_mode, set_max_thinking_tokens, ...).
type controlAck struct {
	ok      bool
	message string
}

// StreamingSession is the "streaming session" component of spec.md §4.4: a
// single Transport driven in bidirectional mode with no control-plane
// callbacks registered (no hooks, no permission handler, no in-process MCP
// tools, no sub-agents). The Router picks this path whenever Options needs
// none of those features, because a plain one-shot or multi-turn exchange
// never needs to answer a control_request from the CLI.
//
// Concurrent SendMessage calls are queued FIFO: a second call blocks until
// the first turn's result arrives, so callers never interleave two turns on
// one subprocess.
type StreamingSession struct {
	opts      *Options
	transport Transport
	cancel    context.CancelFunc

	unsub  func()
	events chan Event
	parser *StreamEventParser

	pendingMu sync.Mutex
	pending   map[string]chan controlAck

	turnToken chan struct{}

	sessionMu sync.Mutex
	sessionID string

	closeOnce sync.Once
}

// newStreamingSession starts the subprocess transport and the initialize
// handshake, with no hooks or SDK-MCP manifest (streaming-only sessions
// never configure either — the Router would have chosen the control client
// otherwise).
func newStreamingSession(ctx context.Context, opts *Options) (*StreamingSession, error) {
	return newStreamingSessionWithTransport(ctx, opts, NewSubprocessTransport(opts))
}

// newStreamingSessionWithTransport is the transport-injectable constructor
// behind newStreamingSession: stream_test.go drives it with a mockTransport
// instead of a real claude subprocess.
func newStreamingSessionWithTransport(ctx context.Context, opts *Options, transport Transport) (*StreamingSession, error) {
	runCtx, cancel := context.WithCancel(ctx)

	sub, unsub := transport.Subscribe()

	s := &StreamingSession{
		opts:      opts,
		transport: transport,
		cancel:    cancel,
		unsub:     unsub,
		events:    make(chan Event, 32),
		parser:    NewStreamEventParser(),
		pending:   make(map[string]chan controlAck),
		turnToken: make(chan struct{}, 1),
	}
	s.turnToken <- struct{}{}

	if err := transport.Start(runCtx); err != nil {
		cancel()
		return nil, err
	}

	noHooks, _ := buildHooksForInitialize(nil)
	if err := transport.Send(EncodeInitialize(opts, noHooks)); err != nil {
		cancel()
		return nil, fmt.Errorf("claude: initialize: %w", err)
	}

	go s.readLoop(runCtx, sub)

	return s, nil
}

// Events returns the channel of decoded events. Closed when the subprocess
// exits or the session's context is cancelled.
func (s *StreamingSession) Events() <-chan Event { return s.events }

// CurrentSessionID returns the session_id the CLI assigned, once known.
func (s *StreamingSession) CurrentSessionID() string {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionID
}

// SendMessage starts a new turn. If a previous turn has not yet produced its
// result, this call blocks until it does (or the context is cancelled),
// enforcing one turn in flight at a time.
func (s *StreamingSession) SendMessage(ctx context.Context, prompt string) error {
	select {
	case <-s.turnToken:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.transport.Send(EncodeUserMessage(prompt, s.CurrentSessionID())); err != nil {
		s.releaseTurn()
		return fmt.Errorf("claude: send message: %w", err)
	}
	return nil
}

func (s *StreamingSession) releaseTurn() {
	select {
	case s.turnToken <- struct{}{}:
	default:
	}
}

func (s *StreamingSession) SetModel(model string) error {
	return s.sendControlRequest("set_model", map[string]any{"model": model})
}

func (s *StreamingSession) SetPermissionMode(mode PermissionMode) error {
	return s.sendControlRequest("set_permission_mode", map[string]any{"permission_mode": string(mode)})
}

func (s *StreamingSession) SetMaxThinkingTokens(n int) error {
	return s.sendControlRequest("set_max_thinking_tokens", map[string]any{"max_thinking_tokens": n})
}

// Interrupt initiates graceful shutdown: stdin is closed, SIGTERM is sent,
// and SIGKILL follows after 5s if the process has not exited.
func (s *StreamingSession) Interrupt() error {
	s.cancel()
	return nil
}

// Close is an alias for Interrupt, for parity with the persistent Session API.
func (s *StreamingSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.transport.Close()
		s.unsub()
	})
	return err
}

func (s *StreamingSession) sendControlRequest(subtype string, extras map[string]any) error {
	wire, reqID := EncodeControlRequest(subtype, extras)
	respCh := make(chan controlAck, 1)
	s.pendingMu.Lock()
	s.pending[reqID] = respCh
	s.pendingMu.Unlock()

	if err := s.transport.Send(wire); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, reqID)
		s.pendingMu.Unlock()
		return fmt.Errorf("claude: %s: %w", subtype, err)
	}

	ack := <-respCh
	if !ack.ok {
		return &ControlRequestError{RequestID: reqID, Subtype: subtype, Message: ack.message}
	}
	return nil
}

// readLoop classifies every inbound frame: control_response routes to a
// pending sendControlRequest caller, control_request is acknowledged
// (streaming sessions have no callbacks to invoke, but the CLI may still
// send read-only notifications), and everything else is decoded into an
// Event and forwarded to s.events.
func (s *StreamingSession) readLoop(ctx context.Context, sub <-chan InboundFrame) {
	defer close(s.events)
	log := s.opts.logger()

	timeout := s.opts.StreamEventTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-sub:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
			if !ok {
				return
			}
			if frame.Err != nil {
				sendEventOrDone(ctx, s.events, errorEvent(frame.Err.Error()))
				continue
			}
			s.handleLine(ctx, frame.Line, log)
		case <-timer.C:
			// The turn token is back in its channel when no turn is in flight.
			if len(s.turnToken) == 0 {
				log.Warn("claude: stream event timeout", "timeout", timeout)
				sendEventOrDone(ctx, s.events, errorEvent(fmt.Sprintf("no message received within %s", timeout)))
			}
			timer.Reset(timeout)
		case <-ctx.Done():
			return
		}
	}
}

func (s *StreamingSession) handleLine(ctx context.Context, line []byte, log interface {
	Warn(string, ...any)
}) {
	kind, err := ClassifyFrame(line)
	if err != nil {
		log.Warn("claude: malformed line", "error", err)
		return
	}

	switch kind {
	case FrameControlResponse:
		env, err := DecodeControlResponse(line)
		if err != nil {
			log.Warn("claude: malformed control_response", "error", err)
			return
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[env.RequestID]
		if ok {
			delete(s.pending, env.RequestID)
		}
		s.pendingMu.Unlock()
		if ok {
			ack := controlAck{ok: env.Response.Subtype != "error", message: env.Response.Error}
			select {
			case ch <- ack:
			default:
			}
		}

	case FrameControlRequest:
		// Streaming sessions never configure hooks, permission handlers, or
		// in-process MCP tools — so any control_request here is a read-only
		// notification (set_model echo, etc.); acknowledge it.
		env, err := DecodeControlRequest(line)
		if err != nil {
			log.Warn("claude: malformed control_request", "error", err)
			return
		}
		_ = s.transport.Send(EncodeAck(env.RequestID))

	default:
		event, err := decodeSDKMessage(line, s.parser)
		if err != nil {
			log.Warn("claude: malformed message", "error", err)
			return
		}
		if sid := extractSessionID(event); sid != "" {
			s.sessionMu.Lock()
			if s.sessionID == "" {
				s.sessionID = sid
			}
			s.sessionMu.Unlock()
		}
		sendEventOrDone(ctx, s.events, event)
		if event.Type == TypeResult {
			s.releaseTurn()
		}
	}
}

// decodeSDKMessage decodes one line classified as FrameStreamEvent or
// FrameSDKMessage into a typed Event.
func decodeSDKMessage(line []byte, parser *StreamEventParser) (Event, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event{}, &CLIJSONDecodeError{Line: append([]byte(nil), line...), Err: err}
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	event := Event{Type: envelope.Type, Raw: raw}

	switch envelope.Type {
	case TypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err == nil {
			event.Assistant = &m
		}
	case TypeStreamEvent:
		var m StreamEventMessage
		if err := json.Unmarshal(line, &m); err == nil {
			event.StreamEvent = &m
			d := parser.Parse(&m)
			event.Delta = &d
		}
	case TypeResult:
		var m Result
		if err := json.Unmarshal(line, &m); err == nil {
			event.Result = &m
		}
	case TypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err == nil {
			event.System = &m
		}
	}

	return event, nil
}

// extractSessionID pulls session_id out of whichever typed field is set, per
// spec.md §9's "cache session_id from the first sdk_message carrying one".
func extractSessionID(e Event) string {
	switch e.Type {
	case TypeAssistant:
		if e.Assistant != nil {
			return e.Assistant.SessionID
		}
	case TypeStreamEvent:
		if e.StreamEvent != nil {
			return e.StreamEvent.SessionID
		}
	case TypeResult:
		if e.Result != nil {
			return e.Result.SessionID
		}
	case TypeSystem:
		if e.System != nil {
			return e.System.SessionID
		}
	}
	return ""
}

// errorEvent builds a synthetic TypeSystem/error event for process-level failures.
func errorEvent(msg string) Event {
	return Event{
		Type: TypeSystem,
		System: &SystemMessage{
			Type:    TypeSystem,
			Subtype: "error",
			Message: msg,
		},
	}
}

// sendEventOrDone delivers e to ch, dropping it if ctx is already done.
func sendEventOrDone(ctx context.Context, ch chan<- Event, e Event) {
	select {
	case ch <- e:
	case <-ctx.Done():
	}
}

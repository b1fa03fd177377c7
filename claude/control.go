package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentCallbacks bounds how many hook/permission/MCP callbacks may
// run at once. The dispatcher goroutine never blocks on a callback itself
// (spec.md §5); this semaphore only prevents an unbounded pile-up of
// goroutines when the host is slow to answer.
const maxConcurrentCallbacks = 32

// subscriber is one queued or active prompt: a single turn's worth of
// events, delivered on its own channel and closed once that turn's result
// arrives. Exactly one subscriber is "active" (receiving events) at a time;
// the rest wait in subQueue, per spec.md §5.
type subscriber struct {
	ref     string
	prompt  string
	deliver chan Event
}

type cmdSendControl struct {
	subtype string
	extras  map[string]any
	reply   chan controlAck
}

type cmdSubmitPrompt struct {
	prompt  string
	ref     string
	deliver chan Event
}

// ControlClient is the "control client" component of spec.md §4.5: a
// subprocess driven through the full control protocol, answering
// can_use_tool / hook_callback / sdk_mcp_request control_requests from the
// CLI and issuing its own set_model / set_permission_mode / set_agent /
// set_max_thinking_tokens requests to it. A single dispatcher goroutine owns
// every piece of mutable state (the invariant spec.md §3/§5 requires);
// everything else — callback execution, writes to the transport, public API
// calls — happens off that goroutine and communicates with it over channels.
type ControlClient struct {
	opts      *Options
	transport Transport
	ctx       context.Context
	cancel    context.CancelFunc
	unsub     func()
	parser    *StreamEventParser

	callbacks  *CallbackRegistry
	sdkServers map[string]*SDKMCPServer
	sem        *semaphore.Weighted

	submitCh chan cmdSubmitPrompt
	controlC chan cmdSendControl
	doneCh   chan string // callback request IDs that have finished, for cancelFuncs cleanup

	// snapshot is updated only by the dispatcher goroutine but guarded by a
	// mutex so public getters can read it from any goroutine.
	snapMu       sync.RWMutex
	sessionID    string
	currentModel string
	currentAgent string

	closeOnce sync.Once
}

// NewControlClient starts the subprocess transport, sends the initialize
// handshake (including any SDK-in-process MCP server manifests and compiled
// hook matchers), and launches the dispatcher goroutine.
func NewControlClient(ctx context.Context, opts *Options) (*ControlClient, error) {
	return newControlClient(ctx, opts, NewSubprocessTransport(opts))
}

// newControlClient is the transport-injectable constructor behind
// NewControlClient: control_test.go drives it with a mockTransport instead of
// a real claude subprocess.
func newControlClient(ctx context.Context, opts *Options, transport Transport) (*ControlClient, error) {
	runCtx, cancel := context.WithCancel(ctx)

	sub, unsub := transport.Subscribe()

	hooksConfig, hookReg := buildHooksForInitialize(opts.Hooks)

	sdkServers := map[string]*SDKMCPServer{}
	for name, v := range opts.McpServers {
		if s, ok := v.(*SDKMCPServer); ok {
			sdkServers[name] = s
		}
	}

	c := &ControlClient{
		opts:       opts,
		transport:  transport,
		ctx:        runCtx,
		cancel:     cancel,
		unsub:      unsub,
		parser:     NewStreamEventParser(),
		callbacks:  NewCallbackRegistry(hookReg),
		sdkServers: sdkServers,
		sem:        semaphore.NewWeighted(maxConcurrentCallbacks),
		submitCh:   make(chan cmdSubmitPrompt),
		controlC:   make(chan cmdSendControl),
		doneCh:     make(chan string, maxConcurrentCallbacks),
		currentModel: opts.Model,
	}

	if err := transport.Start(runCtx); err != nil {
		cancel()
		return nil, err
	}

	if err := transport.Send(EncodeInitialize(opts, hooksConfig)); err != nil {
		cancel()
		return nil, fmt.Errorf("claude: initialize: %w", err)
	}

	go c.dispatch(sub)

	return c, nil
}

// SendMessage queues prompt as a new turn and returns the channel its events
// will arrive on. The channel is closed once that turn's result message has
// been delivered. Multiple concurrent calls are served FIFO: a later prompt
// only becomes active once every earlier one has produced its result.
func (c *ControlClient) SendMessage(ctx context.Context, prompt string) (<-chan Event, error) {
	ch := make(chan Event, 32)
	cmd := cmdSubmitPrompt{prompt: prompt, ref: newSubscriberRef(), deliver: ch}
	select {
	case c.submitCh <- cmd:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *ControlClient) SetModel(model string) error {
	return c.doControl("set_model", map[string]any{"model": model})
}

func (c *ControlClient) SetPermissionMode(mode PermissionMode) error {
	return c.doControl("set_permission_mode", map[string]any{"permission_mode": string(mode)})
}

func (c *ControlClient) SetMaxThinkingTokens(n int) error {
	return c.doControl("set_max_thinking_tokens", map[string]any{"max_thinking_tokens": n})
}

// SetAgent switches the active named sub-agent mid-session (spec.md §9
// supplemented operation alongside set_model/set_permission_mode).
func (c *ControlClient) SetAgent(name string) error {
	return c.doControl("set_agent", map[string]any{"agent_name": name})
}

// Interrupt initiates graceful shutdown of the underlying subprocess: stdin
// is closed, SIGTERM is sent, and SIGKILL follows after 5s if it has not
// exited. Equivalent to Close.
func (c *ControlClient) Interrupt() error {
	c.cancel()
	return nil
}

// Close shuts the control client and its subprocess down.
func (c *ControlClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.transport.Close()
		c.unsub()
	})
	return err
}

// CurrentSessionID returns the session_id the CLI assigned, once known.
func (c *ControlClient) CurrentSessionID() string {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.sessionID
}

// CurrentModel returns the model last confirmed by a set_model exchange, or
// the Options.Model this client started with.
func (c *ControlClient) CurrentModel() string {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.currentModel
}

func (c *ControlClient) doControl(subtype string, extras map[string]any) error {
	reply := make(chan controlAck, 1)
	cmd := cmdSendControl{subtype: subtype, extras: extras, reply: reply}
	select {
	case c.controlC <- cmd:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	select {
	case ack := <-reply:
		if !ack.ok {
			return &ControlRequestError{Subtype: subtype, Message: ack.message}
		}
		if subtype == "set_model" {
			if m, ok := extras["model"].(string); ok {
				c.snapMu.Lock()
				c.currentModel = m
				c.snapMu.Unlock()
			}
		}
		if subtype == "set_agent" {
			if a, ok := extras["agent_name"].(string); ok {
				c.snapMu.Lock()
				c.currentAgent = a
				c.snapMu.Unlock()
			}
		}
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// dispatch is the single goroutine that owns every mutable piece of this
// client's state: the subscriber queue, which subscriber is active, the
// outbound-request correlation map, and in-flight callback cancellation.
func (c *ControlClient) dispatch(sub <-chan InboundFrame) {
	log := c.opts.logger()
	pending := map[string]chan controlAck{}
	cancelFuncs := map[string]context.CancelFunc{}
	var subQueue []*subscriber
	var active *subscriber

	timeout := c.opts.StreamEventTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	// resetTimer arms the stall timer only while a turn is in flight; an idle
	// dispatcher (no active subscriber) never times out.
	resetTimer := func() {
		stopTimer()
		if active != nil {
			timer.Reset(timeout)
		}
	}

	activateNext := func() {
		if active != nil || len(subQueue) == 0 {
			return
		}
		active = subQueue[0]
		subQueue = subQueue[1:]
		if err := c.transport.Send(EncodeUserMessage(active.prompt, c.CurrentSessionID())); err != nil {
			log.Warn("claude: send user message", "error", err)
			close(active.deliver)
			active = nil
		}
		resetTimer()
	}

	finishActive := func() {
		if active == nil {
			return
		}
		close(active.deliver)
		active = nil
		activateNext()
		resetTimer()
	}

	for {
		select {
		case <-c.ctx.Done():
			if active != nil {
				close(active.deliver)
			}
			for _, s := range subQueue {
				close(s.deliver)
			}
			return

		case cmd := <-c.submitCh:
			subQueue = append(subQueue, &subscriber{ref: cmd.ref, prompt: cmd.prompt, deliver: cmd.deliver})
			activateNext()

		case cmd := <-c.controlC:
			wire, reqID := EncodeControlRequest(cmd.subtype, cmd.extras)
			pending[reqID] = cmd.reply
			if err := c.transport.Send(wire); err != nil {
				delete(pending, reqID)
				select {
				case cmd.reply <- controlAck{ok: false, message: err.Error()}:
				default:
				}
			}

		case reqID := <-c.doneCh:
			delete(cancelFuncs, reqID)

		case <-timer.C:
			if active != nil {
				log.Warn("claude: stream event timeout", "timeout", timeout, "subscriber", active.ref)
				sendEventOrDone(c.ctx, active.deliver, errorEvent(fmt.Sprintf("no message received within %s", timeout)))
			}
			resetTimer()

		case frame, ok := <-sub:
			if !ok {
				if active != nil {
					close(active.deliver)
				}
				for _, s := range subQueue {
					close(s.deliver)
				}
				return
			}
			if frame.Err != nil {
				log.Warn("claude: transport error", "error", frame.Err)
				if active != nil {
					sendEventOrDone(c.ctx, active.deliver, errorEvent(frame.Err.Error()))
				}
				resetTimer()
				continue
			}
			c.handleLine(frame.Line, log, pending, cancelFuncs, &active, finishActive)
			resetTimer()
		}
	}
}

func (c *ControlClient) handleLine(
	line []byte,
	log interface{ Warn(string, ...any) },
	pending map[string]chan controlAck,
	cancelFuncs map[string]context.CancelFunc,
	active **subscriber,
	finishActive func(),
) {
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
		if ch, ok := pending[env.RequestID]; ok {
			delete(pending, env.RequestID)
			ack := controlAck{ok: env.Response.Subtype != "error", message: env.Response.Error}
			select {
			case ch <- ack:
			default:
			}
		}

	case FrameControlRequest:
		env, err := DecodeControlRequest(line)
		if err != nil {
			log.Warn("claude: malformed control_request", "error", err)
			return
		}
		c.handleControlRequest(env, cancelFuncs)

	default:
		event, err := decodeSDKMessage(line, c.parser)
		if err != nil {
			log.Warn("claude: malformed message", "error", err)
			return
		}
		if sid := extractSessionID(event); sid != "" {
			c.snapMu.Lock()
			if c.sessionID == "" {
				c.sessionID = sid
			}
			c.snapMu.Unlock()
		}
		if *active != nil {
			sendEventOrDone(c.ctx, (*active).deliver, event)
		}
		if event.Type == TypeResult {
			finishActive()
		}
	}
}

// handleControlRequest answers an inbound control_request. can_use_tool,
// hook_callback, and sdk_mcp_request invoke host callbacks off the
// dispatcher goroutine, bounded by c.sem and cancellable via
// control_cancel_request; everything else is acknowledged inline.
func (c *ControlClient) handleControlRequest(env ControlRequestEnvelope, cancelFuncs map[string]context.CancelFunc) {
	switch env.Request.Subtype {
	case "can_use_tool":
		c.runCallback(env.RequestID, "", 0, cancelFuncs, func(ctx context.Context) any {
			result := PermissionResult{Behavior: "allow"}
			if c.opts.PermissionHandler != nil {
				permCtx := PermissionContext{
					SessionID:      c.CurrentSessionID(),
					Suggestions:    env.Request.Suggestions,
					BlockedPath:    env.Request.BlockedPath,
					DecisionReason: env.Request.DecisionReason,
					ToolUseID:      env.Request.ToolUseID,
					AgentID:        env.Request.AgentID,
					Abort:          ctx.Done(),
				}
				result = c.opts.PermissionHandler(env.Request.ToolName, env.Request.Input, permCtx)
			}
			return EncodePermissionResponse(env.RequestID, env.Request.ToolUseID, result)
		})

	case "hook_callback":
		entry, ok := c.callbacks.Lookup(env.Request.CallbackID)
		if !ok {
			_ = c.transport.Send(EncodeAck(env.RequestID))
			return
		}
		c.runCallback(env.RequestID, env.Request.HookEvent, time.Duration(entry.timeout)*time.Millisecond, cancelFuncs, func(ctx context.Context) any {
			output, err := entry.fn(ctx, env.Request.HookEvent, env.Request.Input, env.Request.ToolUseID)
			return EncodeHookResponse(env.RequestID, env.Request.HookEvent, output, err)
		})

	case "sdk_mcp_request":
		server, ok := c.sdkServers[env.Request.ServerName]
		if !ok {
			_ = c.transport.Send(EncodeErrorAck(env.RequestID, fmt.Errorf("unknown sdk mcp server: %s", env.Request.ServerName)))
			return
		}
		c.runCallback(env.RequestID, "", 0, cancelFuncs, func(ctx context.Context) any {
			var rpc struct {
				Method string          `json:"method"`
				ID     json.RawMessage `json:"id"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(env.Request.JSONRPC, &rpc); err != nil {
				return EncodeErrorAck(env.RequestID, err)
			}
			reply := server.HandleJSONRPC(ctx, rpc.Method, rpc.ID, rpc.Params)
			return EncodeMCPResponse(env.RequestID, reply)
		})

	case "control_cancel_request":
		if cancel, ok := cancelFuncs[env.Request.CancelRequestID]; ok {
			cancel()
		}
		_ = c.transport.Send(EncodeAck(env.RequestID))

	default:
		// set_model / set_permission_mode / set_max_thinking_tokens / set_agent
		// notifications echoed from the CLI side, or any future notification
		// this client does not need to act on.
		_ = c.transport.Send(EncodeAck(env.RequestID))
	}
}

// runCallback spawns fn in its own goroutine, bounded by c.sem, with a
// context that is cancelled either by a matching control_cancel_request or
// after the configured callback timeout. fn returns the wire payload to send
// back to the CLI; runCallback itself owns the single Send for this
// requestID and races fn's completion against ctx being done, so a reply
// goes out the instant the deadline passes even if fn is still running (Go
// has no way to forcibly kill fn's goroutine — ctx is the cooperative signal
// it is expected to observe and is threaded through to the host callback).
// It never blocks the dispatcher goroutine: semaphore acquisition itself
// happens inside the spawned goroutine.
func (c *ControlClient) runCallback(requestID string, event HookEvent, timeout time.Duration, cancelFuncs map[string]context.CancelFunc, fn func(ctx context.Context) any) {
	if timeout <= 0 {
		timeout = c.opts.CallbackTimeout
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	cancelFuncs[requestID] = cancel

	result := make(chan any, 1)

	go func() {
		defer func() {
			select {
			case c.doneCh <- requestID:
			case <-c.ctx.Done():
			}
		}()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)
		result <- fn(ctx)
	}()

	go func() {
		defer cancel()
		select {
		case wire := <-result:
			_ = c.transport.Send(wire)
		case <-ctx.Done():
			c.opts.logger().Warn("claude: callback did not complete", "request_id", requestID, "timeout", timeout, "reason", ctx.Err())
			_ = c.transport.Send(EncodeErrorAck(requestID, &CallbackTimeoutError{
				CallbackID: requestID,
				Event:      event,
				Timeout:    timeout.String(),
			}))
		}
	}()
}

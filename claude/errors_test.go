package claude

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCLINotFoundError(t *testing.T) {
	t.Parallel()
	err := &CLINotFoundError{ExecutablePath: "claude"}
	assert.Contains(t, err.Error(), "claude")
	assert.Contains(t, err.Error(), "not found")
}

func TestProcessError_PrefersStderr(t *testing.T) {
	t.Parallel()
	err := &ProcessError{ExitCode: 1, Stderr: "boom", Message: "ignored"}
	assert.Contains(t, err.Error(), "boom")
	assert.NotContains(t, err.Error(), "ignored")
}

func TestProcessError_FallsBackToMessage(t *testing.T) {
	t.Parallel()
	err := &ProcessError{ExitCode: 2, Message: "no stderr"}
	assert.Contains(t, err.Error(), "no stderr")
	assert.Contains(t, err.Error(), "2")
}

func TestCLIJSONDecodeError_UnwrapsUnderlying(t *testing.T) {
	t.Parallel()
	inner := errors.New("unexpected end of JSON input")
	err := &CLIJSONDecodeError{Line: []byte(`{bad`), Err: inner}

	assert.Contains(t, err.Error(), "unexpected end of JSON input")
	assert.Contains(t, err.Error(), "{bad")
	assert.Same(t, inner, errors.Unwrap(err))
	assert.True(t, errors.Is(err, inner))
}

func TestControlRequestError(t *testing.T) {
	t.Parallel()
	err := &ControlRequestError{RequestID: "req-1", Subtype: "set_model", Message: "unknown model"}
	msg := err.Error()
	assert.Contains(t, msg, "req-1")
	assert.Contains(t, msg, "set_model")
	assert.Contains(t, msg, "unknown model")
}

func TestCallbackTimeoutError(t *testing.T) {
	t.Parallel()
	err := &CallbackTimeoutError{CallbackID: "cb-1", Event: HookEventPreToolUse, Timeout: "60s"}
	msg := err.Error()
	assert.Contains(t, msg, "cb-1")
	assert.Contains(t, msg, string(HookEventPreToolUse))
	assert.Contains(t, msg, "60s")
}

func TestTransportClosedError_DefaultReason(t *testing.T) {
	t.Parallel()
	err := &TransportClosedError{}
	assert.Equal(t, "claude: transport closed", err.Error())
}

func TestTransportClosedError_WithReason(t *testing.T) {
	t.Parallel()
	err := &TransportClosedError{Reason: "subprocess exited"}
	assert.Contains(t, err.Error(), "subprocess exited")
}

func TestSetupError_UnwrapsUnderlying(t *testing.T) {
	t.Parallel()
	inner := errors.New("no such directory")
	err := &SetupError{Reason: "invalid cwd", Err: inner}

	assert.Contains(t, err.Error(), "invalid cwd")
	assert.Contains(t, err.Error(), "no such directory")
	assert.Same(t, inner, errors.Unwrap(err))
	assert.True(t, errors.Is(err, inner))
}

func TestErrors_AreDistinguishableWithErrorsAs(t *testing.T) {
	t.Parallel()
	var err error = &ControlRequestError{RequestID: "r", Subtype: "s", Message: "m"}

	var cre *ControlRequestError
	assert.True(t, errors.As(err, &cre))

	var se *SetupError
	assert.False(t, errors.As(err, &se))
}

package claude

import "encoding/json"

// StreamDeltaKind discriminates the typed stream-event surface produced by
// the streaming-event parser from raw stream_event frames.
type StreamDeltaKind string

const (
	DeltaMessageStart      StreamDeltaKind = "message_start"
	DeltaContentBlockStart StreamDeltaKind = "content_block_start"
	DeltaTextDelta         StreamDeltaKind = "text_delta"
	DeltaThinkingStart     StreamDeltaKind = "thinking_start"
	DeltaThinkingDelta     StreamDeltaKind = "thinking_delta"
	DeltaToolUseStart      StreamDeltaKind = "tool_use_start"
	DeltaToolInputDelta    StreamDeltaKind = "tool_input_delta"
	DeltaContentBlockStop  StreamDeltaKind = "content_block_stop"
	DeltaMessageDelta      StreamDeltaKind = "message_delta"
	DeltaMessageStop       StreamDeltaKind = "message_stop"
	DeltaError             StreamDeltaKind = "error"
)

// StreamDelta is the fully-typed form of one partial-message stream_event,
// resolved from the abbreviated {type, delta: {type, text, thinking}} wire
// shape the CLI actually sends. A StreamEventParser turns a sequence of raw
// StreamEvent frames into a sequence of these.
type StreamDelta struct {
	Kind StreamDeltaKind

	// Index is the content block index the event applies to, where relevant.
	Index int

	// TextDelta / ThinkingDelta carry incremental text for the matching kind.
	TextDelta     string
	ThinkingDelta string

	// Accumulated holds a running concatenation of deltas. For TextDelta this
	// is the message-level accumulated text spec.md describes: it survives
	// across content blocks within one message (a tool_use block interleaved
	// between two text blocks does not reset it) and is cleared only at
	// MessageStop. For ThinkingDelta and ToolInputDelta it is scoped to the
	// current content block.
	Accumulated string

	// FinalText is populated on DeltaMessageStop with the full message-level
	// accumulated text observed since the previous MessageStop.
	FinalText string

	// ToolName / ToolUseID are not populated by StreamEventParser: the decoded
	// content_block_start frame carries no tool name or id, so both stay
	// empty on ToolUseStart.
	ToolName  string
	ToolUseID string

	// ToolInputJSON holds this delta's partial JSON fragment of a tool's input
	// on ToolInputDelta; Accumulated holds the running concatenation.
	ToolInputJSON string

	// Model / Role are populated on MessageStart.
	Model string
	Role  string

	// StopReason / StopSequence are populated on MessageDelta.
	StopReason   string
	StopSequence string

	// Usage is populated on MessageDelta and MessageStop when the CLI
	// includes cumulative usage in the envelope.
	Usage *Usage

	// Err carries a decode or synthesised error message for DeltaError.
	Err string

	// ParentToolUseID / SessionID / UUID mirror the envelope the delta was
	// extracted from.
	ParentToolUseID *string
	SessionID       string
	UUID            string
}

// StreamEventParser turns the CLI's raw StreamEventMessage frames into typed
// StreamDelta values, tracking the running message-level text accumulation
// spec.md §6 describes ("accumulated_text resets to empty each time a
// streamed message terminates") alongside per-block accumulation for
// thinking and tool-input deltas.
//
// A parser is not safe for concurrent use; each StreamingSession and each
// ControlClient owns its own instance.
type StreamEventParser struct {
	msgText    string
	toolAccum  map[int]string
	thinkAccum map[int]string
}

// NewStreamEventParser returns a ready-to-use parser.
func NewStreamEventParser() *StreamEventParser {
	return &StreamEventParser{
		toolAccum:  map[int]string{},
		thinkAccum: map[int]string{},
	}
}

// Parse converts one StreamEventMessage into its typed StreamDelta.
// Unknown inner event types are returned as DeltaError so callers never
// silently drop a frame.
func (p *StreamEventParser) Parse(m *StreamEventMessage) StreamDelta {
	base := StreamDelta{
		Index:           m.Event.Index,
		ParentToolUseID: m.ParentToolUseID,
		SessionID:       m.SessionID,
		UUID:            m.UUID,
	}

	switch m.Event.Type {
	case "message_start":
		base.Kind = DeltaMessageStart
		if m.Event.Message != nil {
			base.Model = m.Event.Message.Model
			base.Role = m.Event.Message.Role
			base.Usage = m.Event.Message.Usage
		}
		return base

	case "content_block_start":
		p.toolAccum[base.Index] = ""
		p.thinkAccum[base.Index] = ""
		base.Kind = DeltaContentBlockStart
		if m.Event.Delta != nil && m.Event.Delta.Type == "tool_use" {
			base.Kind = DeltaToolUseStart
		} else if m.Event.Delta != nil && m.Event.Delta.Type == "thinking" {
			base.Kind = DeltaThinkingStart
		}
		return base

	case "content_block_delta":
		if m.Event.Delta == nil {
			base.Kind = DeltaError
			base.Err = "content_block_delta without delta payload"
			return base
		}
		switch m.Event.Delta.Type {
		case "text_delta":
			p.msgText += m.Event.Delta.Text
			base.Kind = DeltaTextDelta
			base.TextDelta = m.Event.Delta.Text
			base.Accumulated = p.msgText
		case "thinking_delta":
			p.thinkAccum[base.Index] += m.Event.Delta.Thinking
			base.Kind = DeltaThinkingDelta
			base.ThinkingDelta = m.Event.Delta.Thinking
			base.Accumulated = p.thinkAccum[base.Index]
		case "input_json_delta":
			p.toolAccum[base.Index] += m.Event.Delta.Text
			base.Kind = DeltaToolInputDelta
			base.ToolInputJSON = m.Event.Delta.Text
			base.Accumulated = p.toolAccum[base.Index]
		default:
			base.Kind = DeltaError
			base.Err = "unknown content_block_delta type: " + m.Event.Delta.Type
		}
		return base

	case "content_block_stop":
		base.Kind = DeltaContentBlockStop
		if acc, ok := p.toolAccum[base.Index]; ok && acc != "" {
			base.Accumulated = acc
		} else if acc, ok := p.thinkAccum[base.Index]; ok && acc != "" {
			base.Accumulated = acc
		} else {
			base.Accumulated = p.msgText
		}
		delete(p.toolAccum, base.Index)
		delete(p.thinkAccum, base.Index)
		return base

	case "message_delta":
		base.Kind = DeltaMessageDelta
		if m.Event.Delta != nil {
			if m.Event.Delta.StopReason != nil {
				base.StopReason = *m.Event.Delta.StopReason
			}
			if m.Event.Delta.StopSequence != nil {
				base.StopSequence = *m.Event.Delta.StopSequence
			}
		}
		if m.Event.Usage != nil {
			base.Usage = m.Event.Usage
		}
		return base

	case "message_stop":
		base.Kind = DeltaMessageStop
		if m.Event.Usage != nil {
			base.Usage = m.Event.Usage
		}
		base.FinalText = p.msgText
		p.msgText = ""
		p.toolAccum = map[int]string{}
		p.thinkAccum = map[int]string{}
		return base

	default:
		base.Kind = DeltaError
		base.Err = "unknown stream_event type: " + m.Event.Type
		return base
	}
}

// rawEnvelopeType peeks at a JSON line's top-level "type" field without
// decoding the whole message, used by the protocol codec to classify frames.
func rawEnvelopeType(line []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return "", err
	}
	return envelope.Type, nil
}

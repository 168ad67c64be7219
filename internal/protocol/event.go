package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates worker -> host events.
type EventType string

const (
	EvtSessionStarted      EventType = "session_started"
	EvtMessage             EventType = "message"
	EvtContentDelta        EventType = "content_delta"
	EvtThinkingDelta       EventType = "thinking_delta"
	EvtToolUse             EventType = "tool_use"
	EvtToolResult          EventType = "tool_result"
	EvtToolProgress        EventType = "tool_progress"
	EvtToolApprovalRequest EventType = "tool_approval_request"
	EvtSessionCompleted    EventType = "session_completed"
	EvtSessionFailed       EventType = "session_failed"
	EvtError               EventType = "error"
)

// Event is implemented by every worker -> host event. SessionKey returns the
// session the event belongs to; protocol-level errors may return "".
type Event interface {
	EventType() EventType
	SessionKey() string
}

// SessionStarted reports that the agent runtime accepted the conversation
// and assigned its provider conversation id.
type SessionStarted struct {
	Type                   EventType `json:"type"`
	SessionID              string    `json:"sessionId"`
	ProviderConversationID string    `json:"providerConversationId"`
}

func (SessionStarted) EventType() EventType { return EvtSessionStarted }
func (e SessionStarted) SessionKey() string { return e.SessionID }

// Message is one complete turn of assistant (or synthesized system) output.
// ToolCalls and Usage are opaque payloads passed through unmodified.
type Message struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolCalls json.RawMessage `json:"toolCalls,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (Message) EventType() EventType { return EvtMessage }
func (e Message) SessionKey() string { return e.SessionID }

// ContentDelta carries a streamed fragment of assistant text.
type ContentDelta struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Delta     string    `json:"delta"`
}

func (ContentDelta) EventType() EventType { return EvtContentDelta }
func (e ContentDelta) SessionKey() string { return e.SessionID }

// ThinkingDelta carries a streamed fragment of assistant thinking.
type ThinkingDelta struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Delta     string    `json:"delta"`
}

func (ThinkingDelta) EventType() EventType { return EvtThinkingDelta }
func (e ThinkingDelta) SessionKey() string { return e.SessionID }

// ToolUse reports a tool invocation the agent issued within the turn.
type ToolUse struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	ToolID    string          `json:"toolId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

func (ToolUse) EventType() EventType { return EvtToolUse }
func (e ToolUse) SessionKey() string { return e.SessionID }

// ToolResult reports the output of a completed tool invocation.
type ToolResult struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	ToolName  string    `json:"toolName"`
	ToolID    string    `json:"toolId,omitempty"`
	Output    string    `json:"output"`
	IsError   bool      `json:"isError,omitempty"`
}

func (ToolResult) EventType() EventType { return EvtToolResult }
func (e ToolResult) SessionKey() string { return e.SessionID }

// ToolProgress reports incremental progress of a long-running tool.
type ToolProgress struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	ToolName  string    `json:"toolName"`
	ToolID    string    `json:"toolId,omitempty"`
	Progress  string    `json:"progress"`
}

func (ToolProgress) EventType() EventType { return EvtToolProgress }
func (e ToolProgress) SessionKey() string { return e.SessionID }

// ToolApprovalRequest asks the operator whether a tool may run. The worker
// suspends that one tool call until the matching ToolApprovalResponse
// command arrives.
type ToolApprovalRequest struct {
	Type        EventType       `json:"type"`
	SessionID   string          `json:"sessionId"`
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
}

func (ToolApprovalRequest) EventType() EventType { return EvtToolApprovalRequest }
func (e ToolApprovalRequest) SessionKey() string { return e.SessionID }

// SessionCompleted reports a successful end of turn or conversation.
type SessionCompleted struct {
	Type                   EventType `json:"type"`
	SessionID              string    `json:"sessionId"`
	ProviderConversationID string    `json:"providerConversationId,omitempty"`
	TotalCostUSD           float64   `json:"totalCost,omitempty"`
	DurationMs             int64     `json:"durationMs,omitempty"`
}

func (SessionCompleted) EventType() EventType { return EvtSessionCompleted }
func (e SessionCompleted) SessionKey() string { return e.SessionID }

// SessionFailed reports a failed conversation with a human-readable reason.
type SessionFailed struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Error     string    `json:"error"`
}

func (SessionFailed) EventType() EventType { return EvtSessionFailed }
func (e SessionFailed) SessionKey() string { return e.SessionID }

// Error is a protocol-level error unrelated to a specific turn.
type Error struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message"`
}

func (Error) EventType() EventType { return EvtError }
func (e Error) SessionKey() string { return e.SessionID }

// EncodeEvent serializes an event to a single JSON line (no trailing
// newline).
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventType(), err)
	}
	return data, nil
}

type eventEnvelope struct {
	Type EventType `json:"type"`
}

// DecodeEvent parses one JSON line into its typed event.
func DecodeEvent(line []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var (
		evt Event
		err error
	)
	switch env.Type {
	case EvtSessionStarted:
		var e SessionStarted
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtMessage:
		var e Message
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtContentDelta:
		var e ContentDelta
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtThinkingDelta:
		var e ThinkingDelta
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtToolUse:
		var e ToolUse
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtToolResult:
		var e ToolResult
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtToolProgress:
		var e ToolProgress
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtToolApprovalRequest:
		var e ToolApprovalRequest
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtSessionCompleted:
		var e SessionCompleted
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtSessionFailed:
		var e SessionFailed
		err = json.Unmarshal(line, &e)
		evt = e
	case EvtError:
		var e Error
		err = json.Unmarshal(line, &e)
		evt = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Type, err)
	}
	return evt, nil
}

// Package sdk abstracts the agent runtime that executes conversation turns.
//
// The worker drives a Client: it feeds user turns in with Send, consumes
// the ordered message stream from Messages, and answers the runtime's
// tool-permission callbacks. The production implementation shells out to
// the Claude Code CLI in stream-json mode; tests substitute a fake.
package sdk

import (
	"context"
	"encoding/json"
)

// Message kinds produced by the runtime.
const (
	KindSystem    = "system"
	KindAssistant = "assistant"
	KindUser      = "user"
	KindResult    = "result"
	KindStream    = "stream_event"
)

// Result subtypes.
const (
	ResultSuccess  = "success"
	ResultMaxTurns = "error_max_turns"
	ResultError    = "error_during_execution"
)

// Message is one runtime message in arrival order.
type Message struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// SessionID is the provider conversation id, present on system/init
	// and result messages.
	SessionID string `json:"session_id,omitempty"`

	// Message carries assistant or user payloads.
	Message *APIMessage `json:"message,omitempty"`

	// Event carries streamed partial output.
	Event *StreamEvent `json:"event,omitempty"`

	// Result fields.
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
}

// APIMessage is the assistant/user message body.
type APIMessage struct {
	Role    string          `json:"role"`
	Content []ContentBlock  `json:"content"`
	Usage   json.RawMessage `json:"usage,omitempty"`
}

// ContentBlock is one block of an assistant or user message.
type ContentBlock struct {
	Type      string          `json:"type"` // "text", "thinking", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// StreamEvent is a partial-output event within a turn. ContentBlock is
// present on content_block_start and identifies in-flight tool_use blocks.
type StreamEvent struct {
	Type         string        `json:"type"` // "content_block_start", "content_block_delta", ...
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
}

// StreamDelta carries the delta payload of a streaming event.
type StreamDelta struct {
	Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta"
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// PermissionRequest asks whether one tool call may run.
type PermissionRequest struct {
	ToolName    string
	Input       json.RawMessage
	Suggestions json.RawMessage
}

// PermissionDecision answers a PermissionRequest.
type PermissionDecision struct {
	Allowed            bool
	UpdatedPermissions json.RawMessage
}

// PermissionFunc is invoked by the runtime for each tool call that needs
// operator approval. It blocks only that tool call; other messages keep
// flowing. An error denies the call.
type PermissionFunc func(ctx context.Context, req PermissionRequest) (PermissionDecision, error)

// Options configures a conversation.
type Options struct {
	ProjectPath          string
	Model                string
	MaxBudgetUSD         float64
	ResumeConversationID string
	CanUseTool           PermissionFunc
}

// Client runs one agent conversation.
//
// Messages closes when the conversation ends: after Close once the current
// turn finishes, or immediately on context cancellation. Err reports the
// terminal error, if any, once Messages has closed.
type Client interface {
	Start(ctx context.Context, opts Options) error
	Send(prompt string) error
	Close() error
	Messages() <-chan Message
	Err() error
}

package types

import (
	"encoding/json"
	"time"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusAborted     Status = "aborted"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further automatic transitions occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed, StatusAborted, StatusInterrupted:
		return true
	}
	return false
}

// Session is one agent conversation against a project directory.
//
// EndedAt is non-nil iff Status is terminal. ProviderConversationID is
// assigned by the agent runtime on the first turn and is required to resume
// the conversation in a later worker process.
type Session struct {
	ID                     string     `json:"id"`
	ProjectID              string     `json:"projectId"`
	ProjectPath            string     `json:"projectPath"`
	Status                 Status     `json:"status"`
	Prompt                 string     `json:"prompt"`
	Model                  string     `json:"model,omitempty"`
	ProviderConversationID string     `json:"providerConversationId,omitempty"`
	LastError              string     `json:"lastError,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	StartedAt              time.Time  `json:"startedAt,omitempty"`
	EndedAt                *time.Time `json:"endedAt,omitempty"`
}

// Clone returns a copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// Message is one persisted turn entry. ToolCalls and Usage are opaque
// serialized payloads passed through unmodified.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolCalls json.RawMessage `json:"toolCalls,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// QueuedMessage is a human follow-up submitted while its session was busy.
// Queued messages live only in memory.
type QueuedMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingApproval is the host-side display copy of an outstanding tool
// approval request. The resolver lives inside the worker process.
type PendingApproval struct {
	RequestID   string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

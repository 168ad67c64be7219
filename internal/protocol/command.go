package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandType discriminates host -> worker commands.
type CommandType string

const (
	CmdStartSession         CommandType = "start_session"
	CmdSendMessage          CommandType = "send_message"
	CmdAbortSession         CommandType = "abort_session"
	CmdEndSession           CommandType = "end_session"
	CmdToolApprovalResponse CommandType = "tool_approval_response"
)

// Command is implemented by every host -> worker command.
type Command interface {
	CommandType() CommandType
}

// StartSession begins the conversation loop. It must be the first command a
// worker receives; a second one is ignored.
type StartSession struct {
	Type            CommandType `json:"type"`
	SessionID       string      `json:"sessionId"`
	ProjectPath     string      `json:"projectPath"`
	Prompt          string      `json:"prompt"`
	Model           string      `json:"model,omitempty"`
	MaxBudgetUSD    float64     `json:"maxBudgetUsd,omitempty"`
	ResumeSessionID string      `json:"resumeSessionId,omitempty"`
}

func (StartSession) CommandType() CommandType { return CmdStartSession }

// SendMessage injects a follow-up turn into the running conversation.
type SendMessage struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
}

func (SendMessage) CommandType() CommandType { return CmdSendMessage }

// AbortSession cancels the conversation cooperatively and closes the
// follow-up queue.
type AbortSession struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (AbortSession) CommandType() CommandType { return CmdAbortSession }

// EndSession closes the follow-up queue without cancelling; the worker
// exits after the current turn.
type EndSession struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func (EndSession) CommandType() CommandType { return CmdEndSession }

// ToolApprovalResponse resolves exactly one pending tool approval.
type ToolApprovalResponse struct {
	Type               CommandType     `json:"type"`
	RequestID          string          `json:"requestId"`
	Allowed            bool            `json:"allowed"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
}

func (ToolApprovalResponse) CommandType() CommandType { return CmdToolApprovalResponse }

// EncodeCommand serializes a command to a single JSON line (no trailing
// newline).
func EncodeCommand(c Command) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", c.CommandType(), err)
	}
	return data, nil
}

type commandEnvelope struct {
	Type CommandType `json:"type"`
}

// DecodeCommand parses one JSON line into its typed command.
func DecodeCommand(line []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case CmdStartSession:
		var c StartSession
		err = json.Unmarshal(line, &c)
		cmd = c
	case CmdSendMessage:
		var c SendMessage
		err = json.Unmarshal(line, &c)
		cmd = c
	case CmdAbortSession:
		var c AbortSession
		err = json.Unmarshal(line, &c)
		cmd = c
	case CmdEndSession:
		var c EndSession
		err = json.Unmarshal(line, &c)
		cmd = c
	case CmdToolApprovalResponse:
		var c ToolApprovalResponse
		err = json.Unmarshal(line, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s command: %w", env.Type, err)
	}
	return cmd, nil
}

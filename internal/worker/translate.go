package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/worker/sdk"
)

// toolCall is the shape of one entry in a message's toolCalls payload.
type toolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// translate maps one runtime message 1:1 onto stdout events.
func (w *Worker) translate(msg sdk.Message) {
	sid := w.currentSessionID()

	switch msg.Type {
	case sdk.KindSystem:
		if msg.Subtype == "init" {
			w.emit(protocol.SessionStarted{
				Type:                   protocol.EvtSessionStarted,
				SessionID:              sid,
				ProviderConversationID: msg.SessionID,
			})
		}

	case sdk.KindStream:
		w.translateStream(sid, msg)

	case sdk.KindAssistant:
		w.translateAssistant(sid, msg)

	case sdk.KindUser:
		w.translateToolResults(sid, msg)

	case sdk.KindResult:
		w.translateResult(sid, msg)

	default:
		w.logger.Debug("unhandled runtime message", zap.String("type", msg.Type))
	}
}

func (w *Worker) translateStream(sid string, msg sdk.Message) {
	if msg.Event == nil {
		return
	}

	// Tool input assembles over input_json_delta events between a
	// content_block_start carrying the tool_use block and its stop.
	switch msg.Event.Type {
	case "content_block_start":
		if b := msg.Event.ContentBlock; b != nil && b.Type == "tool_use" {
			w.streamTool = toolCall{ID: b.ID, Name: b.Name}
		}
		return
	case "content_block_stop":
		w.streamTool = toolCall{}
		return
	}

	if msg.Event.Delta == nil {
		return
	}
	switch msg.Event.Delta.Type {
	case "text_delta":
		if msg.Event.Delta.Text != "" {
			w.emit(protocol.ContentDelta{
				Type:      protocol.EvtContentDelta,
				SessionID: sid,
				Delta:     msg.Event.Delta.Text,
			})
		}
	case "thinking_delta":
		if msg.Event.Delta.Thinking != "" {
			w.emit(protocol.ThinkingDelta{
				Type:      protocol.EvtThinkingDelta,
				SessionID: sid,
				Delta:     msg.Event.Delta.Thinking,
			})
		}
	case "input_json_delta":
		if msg.Event.Delta.PartialJSON != "" && w.streamTool.Name != "" {
			w.emit(protocol.ToolProgress{
				Type:      protocol.EvtToolProgress,
				SessionID: sid,
				ToolName:  w.streamTool.Name,
				ToolID:    w.streamTool.ID,
				Progress:  msg.Event.Delta.PartialJSON,
			})
		}
	}
}

// translateAssistant emits one message event per assistant turn, splitting
// tool_use blocks into parallel tool_use events while keeping them attached
// to the aggregated message.
func (w *Worker) translateAssistant(sid string, msg sdk.Message) {
	if msg.Message == nil {
		return
	}

	var (
		content  string
		thinking string
		calls    []toolCall
	)
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "thinking":
			thinking += block.Thinking
		case "tool_use":
			calls = append(calls, toolCall{ID: block.ID, Name: block.Name, Input: block.Input})
			w.emit(protocol.ToolUse{
				Type:      protocol.EvtToolUse,
				SessionID: sid,
				ToolName:  block.Name,
				ToolID:    block.ID,
				Input:     block.Input,
			})
		}
	}

	var toolCalls json.RawMessage
	if len(calls) > 0 {
		data, err := json.Marshal(calls)
		if err != nil {
			w.emitProtocolError("tool call serialization failed: " + err.Error())
		} else {
			toolCalls = data
		}
	}

	w.emit(protocol.Message{
		Type:      protocol.EvtMessage,
		SessionID: sid,
		Role:      "assistant",
		Content:   content,
		Thinking:  thinking,
		ToolCalls: toolCalls,
		Usage:     msg.Message.Usage,
		Timestamp: time.Now().UTC(),
	})
}

func (w *Worker) translateToolResults(sid string, msg sdk.Message) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		w.emit(protocol.ToolResult{
			Type:      protocol.EvtToolResult,
			SessionID: sid,
			ToolID:    block.ToolUseID,
			Output:    flattenToolOutput(block.Content),
			IsError:   block.IsError,
		})
	}
}

func (w *Worker) translateResult(sid string, msg sdk.Message) {
	if msg.Subtype == sdk.ResultSuccess && !msg.IsError {
		w.emit(protocol.SessionCompleted{
			Type:                   protocol.EvtSessionCompleted,
			SessionID:              sid,
			ProviderConversationID: msg.SessionID,
			TotalCostUSD:           msg.TotalCostUSD,
			DurationMs:             msg.DurationMS,
		})
		return
	}
	w.emitFailed(w.failureReason(msg))
}

// failureReason derives a human-readable reason from the result subtype and
// the budget/turn counters.
func (w *Worker) failureReason(msg sdk.Message) string {
	w.mu.Lock()
	budget := w.maxBudgetUSD
	w.mu.Unlock()

	switch {
	case msg.Subtype == sdk.ResultMaxTurns:
		return fmt.Sprintf("turn limit exceeded after %d turns", msg.NumTurns)
	case budget > 0 && msg.TotalCostUSD >= budget:
		return fmt.Sprintf("budget exceeded: $%.2f spent of $%.2f limit", msg.TotalCostUSD, budget)
	case msg.Result != "":
		return msg.Result
	default:
		return fmt.Sprintf("agent runtime failed (%s)", msg.Subtype)
	}
}

// flattenToolOutput renders a tool_result content payload as display text.
// The payload is either a plain string or a list of typed blocks.
func flattenToolOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

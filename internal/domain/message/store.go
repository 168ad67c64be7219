package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// streamState accumulates partial output for one in-flight turn.
type streamState struct {
	content  strings.Builder
	thinking strings.Builder
}

// Store holds ordered per-session message lists plus the transient
// streaming state. Append order is retrieval order.
type Store struct {
	mu       sync.RWMutex
	messages map[string][]*types.Message
	loaded   map[string]bool

	streams map[string]*streamState
	// tool calls that arrived before any assistant text in the turn,
	// held until the next finalized message
	pendingCalls map[string][]json.RawMessage
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{
		messages:     make(map[string][]*types.Message),
		loaded:       make(map[string]bool),
		streams:      make(map[string]*streamState),
		pendingCalls: make(map[string][]json.RawMessage),
	}
}

// Append adds one message to the end of the session's history.
func (s *Store) Append(msg *types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], cloneMessage(msg))
	s.loaded[msg.SessionID] = true
}

// Get returns the session's messages in append order.
func (s *Store) Get(sessionID string) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[sessionID]
	out := make([]*types.Message, len(list))
	for i, m := range list {
		out[i] = cloneMessage(m)
	}
	return out
}

// Last returns the session's most recent message.
func (s *Store) Last(sessionID string) (*types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[sessionID]
	if len(list) == 0 {
		return nil, false
	}
	return cloneMessage(list[len(list)-1]), true
}

// SetAll replaces the session's history with a loaded snapshot and marks it
// loaded. Used by the lazy storage load.
func (s *Store) SetAll(sessionID string, msgs []*types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*types.Message, len(msgs))
	for i, m := range msgs {
		list[i] = cloneMessage(m)
	}
	s.messages[sessionID] = list
	s.loaded[sessionID] = true
}

// Loaded reports whether the session's history has been materialized in
// memory, either by live appends or a storage load.
func (s *Store) Loaded(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded[sessionID]
}

// AppendDelta accumulates streamed partial output without creating a
// message.
func (s *Store) AppendDelta(sessionID, content, thinking string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[sessionID]
	if st == nil {
		st = &streamState{}
		s.streams[sessionID] = st
	}
	st.content.WriteString(content)
	st.thinking.WriteString(thinking)
}

// HasStream reports whether any partial output is buffered for the session.
func (s *Store) HasStream(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.streams[sessionID]
	return st != nil && (st.content.Len() > 0 || st.thinking.Len() > 0)
}

// TakeStream returns and clears the session's buffered partial output.
func (s *Store) TakeStream(sessionID string) (content, thinking string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[sessionID]
	if st == nil {
		return "", ""
	}
	delete(s.streams, sessionID)
	return st.content.String(), st.thinking.String()
}

// BufferToolCalls parks a tool-call array that arrived ahead of the
// assistant text it belongs to.
func (s *Store) BufferToolCalls(sessionID string, raw json.RawMessage) error {
	var calls []json.RawMessage
	if err := json.Unmarshal(raw, &calls); err != nil {
		return fmt.Errorf("tool calls payload is not an array: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCalls[sessionID] = append(s.pendingCalls[sessionID], calls...)
	return nil
}

// MergeToolCalls combines buffered calls with the calls attached to the
// finalizing message, buffered first, and clears the buffer. A nil result
// means the turn had no tool calls at all.
func (s *Store) MergeToolCalls(sessionID string, attached json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	buffered := s.pendingCalls[sessionID]
	delete(s.pendingCalls, sessionID)
	s.mu.Unlock()

	if len(attached) > 0 {
		var calls []json.RawMessage
		if err := json.Unmarshal(attached, &calls); err != nil {
			return nil, fmt.Errorf("tool calls payload is not an array: %w", err)
		}
		buffered = append(buffered, calls...)
	}
	if len(buffered) == 0 {
		return nil, nil
	}
	merged, err := json.Marshal(buffered)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// HasBufferedToolCalls reports whether out-of-band tool calls are pending.
func (s *Store) HasBufferedToolCalls(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingCalls[sessionID]) > 0
}

// Drop discards everything held for the session.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, sessionID)
	delete(s.loaded, sessionID)
	delete(s.streams, sessionID)
	delete(s.pendingCalls, sessionID)
}

func cloneMessage(m *types.Message) *types.Message {
	cp := *m
	if m.ToolCalls != nil {
		cp.ToolCalls = append(json.RawMessage(nil), m.ToolCalls...)
	}
	if m.Usage != nil {
		cp.Usage = append(json.RawMessage(nil), m.Usage...)
	}
	return &cp
}

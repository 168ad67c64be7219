package message

import (
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/shared/id"
	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// Queue holds follow-ups typed while a session was busy. Strict FIFO per
// session; sessions never see each other's entries.
type Queue struct {
	mu      sync.Mutex
	entries map[string][]*types.QueuedMessage // sessionID -> ordered entries
	ids     func() string
}

// NewQueue creates an empty follow-up queue.
func NewQueue() *Queue {
	return &Queue{
		entries: make(map[string][]*types.QueuedMessage),
		ids:     id.NewQueueID,
	}
}

// Enqueue appends content to the session's queue and returns the entry.
func (q *Queue) Enqueue(sessionID, content string) *types.QueuedMessage {
	entry := &types.QueuedMessage{
		ID:        q.ids(),
		SessionID: sessionID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.entries[sessionID] = append(q.entries[sessionID], entry)
	q.mu.Unlock()
	return cloneEntry(entry)
}

// Dequeue pops the oldest entry for the session.
func (q *Queue) Dequeue(sessionID string) (*types.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[sessionID]
	if len(list) == 0 {
		return nil, false
	}
	head := list[0]
	if len(list) == 1 {
		delete(q.entries, sessionID)
	} else {
		q.entries[sessionID] = list[1:]
	}
	return head, true
}

// Cancel removes one entry by id.
func (q *Queue) Cancel(queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for sid, list := range q.entries {
		for i, entry := range list {
			if entry.ID == queueID {
				q.entries[sid] = append(list[:i:i], list[i+1:]...)
				if len(q.entries[sid]) == 0 {
					delete(q.entries, sid)
				}
				return true
			}
		}
	}
	return false
}

// Edit replaces an entry's content in place, keeping its queue position.
func (q *Queue) Edit(queueID, content string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range q.entries {
		for _, entry := range list {
			if entry.ID == queueID {
				entry.Content = content
				return true
			}
		}
	}
	return false
}

// List returns the session's pending entries in send order.
func (q *Queue) List(sessionID string) []*types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[sessionID]
	out := make([]*types.QueuedMessage, len(list))
	for i, entry := range list {
		out[i] = cloneEntry(entry)
	}
	return out
}

// Len returns the number of pending entries for the session.
func (q *Queue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[sessionID])
}

// Drop discards every entry for the session.
func (q *Queue) Drop(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, sessionID)
}

func cloneEntry(e *types.QueuedMessage) *types.QueuedMessage {
	cp := *e
	return &cp
}

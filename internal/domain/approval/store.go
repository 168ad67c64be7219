// Package approval tracks the host-side display copies of outstanding tool
// approval requests. The actual resolver lives inside the worker process;
// this store only feeds the UI and routes responses.
package approval

import (
	"sync"

	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// Store keys pending approvals by request id.
type Store struct {
	mu      sync.RWMutex
	pending map[string]*types.PendingApproval
}

// NewStore creates an empty approval store.
func NewStore() *Store {
	return &Store{pending: make(map[string]*types.PendingApproval)}
}

// Add records a pending approval, replacing any stale entry with the same
// request id.
func (s *Store) Add(pa *types.PendingApproval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pa
	s.pending[pa.RequestID] = &cp
}

// Take removes and returns the approval for the request id.
func (s *Store) Take(requestID string) (*types.PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(s.pending, requestID)
	cp := *pa
	return &cp, true
}

// List returns the session's pending approvals.
func (s *Store) List(sessionID string) []*types.PendingApproval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.PendingApproval
	for _, pa := range s.pending {
		if pa.SessionID == sessionID {
			cp := *pa
			out = append(out, &cp)
		}
	}
	return out
}

// DropSession discards every pending approval for the session, used on
// abort and delete.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pa := range s.pending {
		if pa.SessionID == sessionID {
			delete(s.pending, id)
		}
	}
}

// Len returns the number of outstanding approvals.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

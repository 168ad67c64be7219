package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// ErrNotFound is returned when a session id is unknown to the store.
var ErrNotFound = fmt.Errorf("session not found")

// Persister mirrors session state to durable storage. Implementations must
// tolerate being called concurrently.
type Persister interface {
	CreateSession(s *types.Session) error
	UpdateSessionStatus(id string, status types.Status, lastError string, endedAt *time.Time) error
	UpdateProviderConversationID(id, providerConversationID string) error
	DeleteSession(id string) error
}

// Store is the in-memory source of truth for sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session

	persist Persister
	logger  *logging.Logger
}

// NewStore creates an empty store. persist may be nil for tests.
func NewStore(persist Persister, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		sessions: make(map[string]*types.Session),
		persist:  persist,
		logger:   logger,
	}
}

// Create registers a new session and persists the record.
func (s *Store) Create(sess *types.Session) error {
	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()

	if s.persist != nil {
		cp := sess.Clone()
		go func() {
			if err := s.persist.CreateSession(cp); err != nil {
				s.logger.Warn("session create persist failed", zap.String("session_id", cp.ID), zap.Error(err))
			}
		}()
	}
	return nil
}

// Load inserts a session without persisting, for bootstrap replay.
func (s *Store) Load(sess *types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
}

// Get returns a copy of the session, or false if unknown.
func (s *Store) Get(id string) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// List returns copies of all sessions, newest first.
func (s *Store) List() []*types.Session {
	s.mu.RLock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Transition moves the session to the given status, maintaining the
// endedAt-iff-terminal invariant. lastError is recorded on terminal states
// and cleared on re-entry to running.
func (s *Store) Transition(id string, to types.Status, lastError string) error {
	if !to.Valid() {
		return fmt.Errorf("invalid status %q", to)
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !allowed(sess.Status, to) {
		from := sess.Status
		s.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s for session %s", from, to, id)
	}

	now := time.Now().UTC()
	sess.Status = to
	var endedAt *time.Time
	switch {
	case to == types.StatusRunning:
		if sess.StartedAt.IsZero() {
			sess.StartedAt = now
		}
		sess.EndedAt = nil
		sess.LastError = ""
	case to.Terminal():
		t := now
		sess.EndedAt = &t
		sess.LastError = lastError
		endedAt = &t
	}
	s.mu.Unlock()

	s.persistStatus(id, to, lastError, endedAt)
	return nil
}

// MarkRunning resets a session to running with a fresh start timestamp,
// used when a terminal session resumes with a new worker.
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !allowed(sess.Status, types.StatusRunning) {
		from := sess.Status
		s.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s for session %s", from, types.StatusRunning, id)
	}
	sess.Status = types.StatusRunning
	sess.StartedAt = time.Now().UTC()
	sess.EndedAt = nil
	sess.LastError = ""
	s.mu.Unlock()

	s.persistStatus(id, types.StatusRunning, "", nil)
	return nil
}

// SetProviderConversationID records the runtime's conversation id so the
// session can be resumed by a later worker.
func (s *Store) SetProviderConversationID(id, providerID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	sess.ProviderConversationID = providerID
	s.mu.Unlock()

	if s.persist != nil {
		go func() {
			if err := s.persist.UpdateProviderConversationID(id, providerID); err != nil {
				s.logger.Warn("provider id persist failed", zap.String("session_id", id), zap.Error(err))
			}
		}()
	}
	return nil
}

// SetLastError records a display error without changing status, for
// protocol-level error events.
func (s *Store) SetLastError(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastError = msg
	}
}

// Delete removes the session from memory and storage.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok && s.persist != nil {
		go func() {
			if err := s.persist.DeleteSession(id); err != nil {
				s.logger.Warn("session delete persist failed", zap.String("session_id", id), zap.Error(err))
			}
		}()
	}
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) persistStatus(id string, status types.Status, lastError string, endedAt *time.Time) {
	if s.persist == nil {
		return
	}
	go func() {
		if err := s.persist.UpdateSessionStatus(id, status, lastError, endedAt); err != nil {
			s.logger.Warn("status persist failed",
				zap.String("session_id", id),
				zap.String("status", string(status)),
				zap.Error(err))
		}
	}()
}

// allowed encodes the lifecycle graph. Terminal states may return to
// running: the operator resumes the conversation with a new worker.
func allowed(from, to types.Status) bool {
	switch {
	case to == types.StatusRunning:
		return true
	case to.Terminal():
		return from == types.StatusRunning || from == types.StatusIdle
	default:
		return false
	}
}

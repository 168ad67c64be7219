package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/shared/types"
)

type recordedUpdate struct {
	id      string
	status  types.Status
	endedAt *time.Time
}

type fakePersister struct {
	mu      sync.Mutex
	created []string
	updates []recordedUpdate
	deleted []string
	fail    bool
}

func (p *fakePersister) CreateSession(s *types.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("disk full")
	}
	p.created = append(p.created, s.ID)
	return nil
}

func (p *fakePersister) UpdateSessionStatus(id string, status types.Status, lastError string, endedAt *time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("disk full")
	}
	p.updates = append(p.updates, recordedUpdate{id, status, endedAt})
	return nil
}

func (p *fakePersister) UpdateProviderConversationID(id, providerID string) error { return nil }

func (p *fakePersister) DeleteSession(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *fakePersister) updateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

func newSession(id string) *types.Session {
	return &types.Session{
		ID:          id,
		ProjectPath: "/work/proj",
		Status:      types.StatusIdle,
		Prompt:      "do the thing",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCreateAndGetReturnsCopy(t *testing.T) {
	store := NewStore(nil, nil)
	require.NoError(t, store.Create(newSession("s1")))

	got, ok := store.Get("s1")
	require.True(t, ok)
	got.Status = types.StatusFailed

	again, _ := store.Get("s1")
	assert.Equal(t, types.StatusIdle, again.Status)
}

func TestDuplicateCreateRejected(t *testing.T) {
	store := NewStore(nil, nil)
	require.NoError(t, store.Create(newSession("s1")))
	assert.Error(t, store.Create(newSession("s1")))
}

func TestEndedAtTracksTerminality(t *testing.T) {
	store := NewStore(nil, nil)
	require.NoError(t, store.Create(newSession("s1")))

	require.NoError(t, store.Transition("s1", types.StatusRunning, ""))
	got, _ := store.Get("s1")
	assert.Nil(t, got.EndedAt)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, store.Transition("s1", types.StatusCompleted, ""))
	got, _ = store.Get("s1")
	require.NotNil(t, got.EndedAt)

	// Resume clears the terminal markers again.
	require.NoError(t, store.MarkRunning("s1"))
	got, _ = store.Get("s1")
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestTerminalTransitionRecordsError(t *testing.T) {
	store := NewStore(nil, nil)
	require.NoError(t, store.Create(newSession("s1")))
	require.NoError(t, store.Transition("s1", types.StatusRunning, ""))
	require.NoError(t, store.Transition("s1", types.StatusFailed, "worker exploded"))

	got, _ := store.Get("s1")
	assert.Equal(t, "worker exploded", got.LastError)

	require.NoError(t, store.MarkRunning("s1"))
	got, _ = store.Get("s1")
	assert.Empty(t, got.LastError)
}

func TestIllegalTransitionRejected(t *testing.T) {
	store := NewStore(nil, nil)
	require.NoError(t, store.Create(newSession("s1")))
	require.NoError(t, store.Transition("s1", types.StatusRunning, ""))
	require.NoError(t, store.Transition("s1", types.StatusCompleted, ""))

	// completed -> failed makes no sense without an intervening run.
	assert.Error(t, store.Transition("s1", types.StatusFailed, "late error"))
}

func TestTransitionUnknownSession(t *testing.T) {
	store := NewStore(nil, nil)
	err := store.Transition("ghost", types.StatusRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionsPersistedAsynchronously(t *testing.T) {
	p := &fakePersister{}
	store := NewStore(p, nil)
	require.NoError(t, store.Create(newSession("s1")))
	require.NoError(t, store.Transition("s1", types.StatusRunning, ""))
	require.NoError(t, store.Transition("s1", types.StatusCompleted, ""))

	require.Eventually(t, func() bool { return p.updateCount() == 2 }, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Nil(t, p.updates[0].endedAt)
	require.NotNil(t, p.updates[1].endedAt)
	assert.Equal(t, types.StatusCompleted, p.updates[1].status)
}

func TestPersistFailureDoesNotRollBack(t *testing.T) {
	p := &fakePersister{fail: true}
	store := NewStore(p, nil)
	require.NoError(t, store.Create(newSession("s1")))
	require.NoError(t, store.Transition("s1", types.StatusRunning, ""))

	got, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestListNewestFirst(t *testing.T) {
	store := NewStore(nil, nil)
	old := newSession("s-old")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(old))
	require.NoError(t, store.Create(newSession("s-new")))

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "s-new", list[0].ID)
}

func TestDeleteRemovesSession(t *testing.T) {
	store := NewStore(nil, nil)
	require.NoError(t, store.Create(newSession("s1")))
	store.Delete("s1")
	_, ok := store.Get("s1")
	assert.False(t, ok)
	assert.Zero(t, store.Len())
}

package message

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/shared/types"
)

func msg(sessionID, role, content string) *types.Message {
	return &types.Message{
		ID:        "msg_" + content,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func TestAppendOrderIsRetrievalOrder(t *testing.T) {
	store := NewStore()
	for i := 0; i < 5; i++ {
		store.Append(msg("s1", "assistant", fmt.Sprintf("m%d", i)))
	}

	got := store.Get("s1")
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
}

func TestSessionsIsolated(t *testing.T) {
	store := NewStore()
	store.Append(msg("s1", "user", "hello"))
	store.Append(msg("s2", "user", "world"))

	assert.Len(t, store.Get("s1"), 1)
	assert.Len(t, store.Get("s2"), 1)
	assert.Equal(t, "hello", store.Get("s1")[0].Content)
}

func TestGetReturnsCopies(t *testing.T) {
	store := NewStore()
	store.Append(msg("s1", "user", "hello"))

	store.Get("s1")[0].Content = "mutated"
	assert.Equal(t, "hello", store.Get("s1")[0].Content)
}

func TestStreamAccumulateAndTake(t *testing.T) {
	store := NewStore()
	store.AppendDelta("s1", "Hel", "")
	store.AppendDelta("s1", "lo", "")
	store.AppendDelta("s1", "", "pondering")

	assert.True(t, store.HasStream("s1"))
	content, thinking := store.TakeStream("s1")
	assert.Equal(t, "Hello", content)
	assert.Equal(t, "pondering", thinking)

	// Take clears.
	assert.False(t, store.HasStream("s1"))
	content, thinking = store.TakeStream("s1")
	assert.Empty(t, content)
	assert.Empty(t, thinking)
}

func TestStreamsIsolatedAcrossSessions(t *testing.T) {
	store := NewStore()
	store.AppendDelta("s1", "one", "")
	store.AppendDelta("s2", "two", "")

	content, _ := store.TakeStream("s1")
	assert.Equal(t, "one", content)
	assert.True(t, store.HasStream("s2"))
}

func TestMergeToolCallsBufferedFirst(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.BufferToolCalls("s1", json.RawMessage(`[{"name":"Read"}]`)))
	require.True(t, store.HasBufferedToolCalls("s1"))

	merged, err := store.MergeToolCalls("s1", json.RawMessage(`[{"name":"Write"},{"name":"Bash"}]`))
	require.NoError(t, err)

	var calls []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(merged, &calls))
	require.Len(t, calls, 3)
	assert.Equal(t, "Read", calls[0].Name)
	assert.Equal(t, "Write", calls[1].Name)
	assert.Equal(t, "Bash", calls[2].Name)

	// The buffer is consumed exactly once.
	assert.False(t, store.HasBufferedToolCalls("s1"))
	again, err := store.MergeToolCalls("s1", nil)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestMergeToolCallsNoCalls(t *testing.T) {
	store := NewStore()
	merged, err := store.MergeToolCalls("s1", nil)
	require.NoError(t, err)
	assert.Nil(t, merged)
}

func TestBufferToolCallsRejectsNonArray(t *testing.T) {
	store := NewStore()
	assert.Error(t, store.BufferToolCalls("s1", json.RawMessage(`{"name":"Read"}`)))
}

func TestSetAllMarksLoaded(t *testing.T) {
	store := NewStore()
	assert.False(t, store.Loaded("s1"))

	store.SetAll("s1", []*types.Message{msg("s1", "user", "restored")})
	assert.True(t, store.Loaded("s1"))
	require.Len(t, store.Get("s1"), 1)
}

func TestDropClearsEverything(t *testing.T) {
	store := NewStore()
	store.Append(msg("s1", "user", "hello"))
	store.AppendDelta("s1", "partial", "")
	require.NoError(t, store.BufferToolCalls("s1", json.RawMessage(`[{"name":"Read"}]`)))

	store.Drop("s1")
	assert.Empty(t, store.Get("s1"))
	assert.False(t, store.HasStream("s1"))
	assert.False(t, store.HasBufferedToolCalls("s1"))
	assert.False(t, store.Loaded("s1"))
}

func TestLast(t *testing.T) {
	store := NewStore()
	_, ok := store.Last("s1")
	assert.False(t, ok)

	store.Append(msg("s1", "user", "first"))
	store.Append(msg("s1", "assistant", "second"))
	last, ok := store.Last("s1")
	require.True(t, ok)
	assert.Equal(t, "second", last.Content)
}

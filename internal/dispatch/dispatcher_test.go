package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/domain/approval"
	"github.com/agentdeck/agentdeck/internal/domain/message"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/shared/types"
	"github.com/agentdeck/agentdeck/internal/supervisor"
)

type fixture struct {
	sessions  *session.Store
	messages  *message.Store
	queue     *message.Queue
	approvals *approval.Store
	sender    *fakeSender
	notifier  *fakeNotifier
	publisher *fakePublisher
	d         *Dispatcher
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	store *session.Store
}

func (s *fakeSender) SendQueued(sessionID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, content)
	// The real implementation moves the session back to running.
	return s.store.MarkRunning(sessionID)
}

type fakeNotifier struct {
	completed []string
	failed    []string
}

func (n *fakeNotifier) SessionCompleted(sessionID, summary string) {
	n.completed = append(n.completed, sessionID)
}

func (n *fakeNotifier) SessionFailed(sessionID, reason string) {
	n.failed = append(n.failed, sessionID)
}

type fakePublisher struct {
	events []supervisor.TaggedEvent
}

func (p *fakePublisher) Publish(evt supervisor.TaggedEvent) { p.events = append(p.events, evt) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sessions:  session.NewStore(nil, nil),
		messages:  message.NewStore(),
		queue:     message.NewQueue(),
		approvals: approval.NewStore(),
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
	}
	f.sender = &fakeSender{store: f.sessions}

	n := 0
	f.d = New(Options{
		Sessions:  f.sessions,
		Messages:  f.messages,
		Queue:     f.queue,
		Approvals: f.approvals,
		Sender:    f.sender,
		Publisher: f.publisher,
		Notifier:  f.notifier,
		MessageIDs: func() string {
			n++
			return fmt.Sprintf("msg_%04d", n)
		},
	})
	return f
}

func (f *fixture) startSession(t *testing.T, sid string) {
	t.Helper()
	require.NoError(t, f.sessions.Create(&types.Session{ID: sid, ProjectPath: "/p", Status: types.StatusIdle}))
	require.NoError(t, f.sessions.Transition(sid, types.StatusRunning, ""))
}

func (f *fixture) apply(sid string, evt protocol.Event) {
	f.d.Apply(supervisor.TaggedEvent{SessionID: sid, Event: evt})
}

func TestStreamedTurnFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")

	f.apply("s1", protocol.SessionStarted{Type: protocol.EvtSessionStarted, SessionID: "s1", ProviderConversationID: "prov-1"})
	f.apply("s1", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "s1", Delta: "Sure"})
	f.apply("s1", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "s1", Delta: ", adding tests"})
	f.apply("s1", protocol.Message{Type: protocol.EvtMessage, SessionID: "s1", Role: "assistant", Content: "Sure, adding tests"})
	f.apply("s1", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "s1", ProviderConversationID: "prov-1"})

	msgs := f.messages.Get("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Sure, adding tests", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.False(t, f.messages.HasStream("s1"))

	sess, _ := f.sessions.Get("s1")
	assert.Equal(t, types.StatusCompleted, sess.Status)
	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, "prov-1", sess.ProviderConversationID)
	assert.Equal(t, []string{"s1"}, f.notifier.completed)
}

func TestQueueDrainResumesInsteadOfCompleting(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")
	f.queue.Enqueue("s1", "also add docs")

	f.apply("s1", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "s1"})

	assert.Equal(t, []string{"also add docs"}, f.sender.sent)
	assert.Zero(t, f.queue.Len("s1"))

	sess, _ := f.sessions.Get("s1")
	assert.Equal(t, types.StatusRunning, sess.Status)
	assert.Nil(t, sess.EndedAt)
	// Resuming is not a completion.
	assert.Empty(t, f.notifier.completed)
}

func TestLateCompletionCannotResurrectEndedSession(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")
	f.queue.Enqueue("s1", "parked")

	// The timeout sweep already force-failed the session.
	require.NoError(t, f.sessions.Transition("s1", types.StatusFailed, "session timed out after 30m0s"))

	f.apply("s1", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "s1"})

	// The queued follow-up stays parked and the session stays failed.
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 1, f.queue.Len("s1"))
	sess, _ := f.sessions.Get("s1")
	assert.Equal(t, types.StatusFailed, sess.Status)
	assert.Empty(t, f.notifier.completed)
}

func TestQueueDeliveryFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")
	f.queue.Enqueue("s1", "doomed")
	f.sender.err = fmt.Errorf("worker gone and resume failed")

	f.apply("s1", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "s1"})

	sess, _ := f.sessions.Get("s1")
	assert.Equal(t, types.StatusFailed, sess.Status)
	assert.Contains(t, sess.LastError, "queued message delivery failed")
}

func TestOutOfBandToolCallsMergedIntoNextMessage(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")

	// Tool calls arrive before any assistant text in the turn.
	f.apply("s1", protocol.Message{
		Type: protocol.EvtMessage, SessionID: "s1", Role: "assistant",
		ToolCalls: json.RawMessage(`[{"name":"Read"}]`),
	})
	require.Empty(t, f.messages.Get("s1"))
	require.True(t, f.messages.HasBufferedToolCalls("s1"))

	f.apply("s1", protocol.Message{
		Type: protocol.EvtMessage, SessionID: "s1", Role: "assistant",
		Content:   "Looked at the file",
		ToolCalls: json.RawMessage(`[{"name":"Write"}]`),
	})

	msgs := f.messages.Get("s1")
	require.Len(t, msgs, 1)
	var calls []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].ToolCalls, &calls))
	require.Len(t, calls, 2)
	assert.Equal(t, "Read", calls[0].Name)
	assert.Equal(t, "Write", calls[1].Name)
}

func TestFailureFlushesStream(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")

	f.apply("s1", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "s1", Delta: "half a tho"})
	f.apply("s1", protocol.SessionFailed{Type: protocol.EvtSessionFailed, SessionID: "s1", Error: "budget exceeded"})

	msgs := f.messages.Get("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "half a tho", msgs[0].Content)

	sess, _ := f.sessions.Get("s1")
	assert.Equal(t, types.StatusFailed, sess.Status)
	assert.Equal(t, "budget exceeded", sess.LastError)
	assert.Equal(t, []string{"s1"}, f.notifier.failed)
}

func TestUnansweredUserTurnGetsSystemMessage(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")
	f.messages.Append(&types.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "hello?"})

	f.apply("s1", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "s1"})

	msgs := f.messages.Get("s1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[1].Role)
}

func TestAnsweredTurnGetsNoSystemMessage(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")
	f.messages.Append(&types.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "hello?"})
	f.messages.Append(&types.Message{ID: "m2", SessionID: "s1", Role: "assistant", Content: "hi"})

	f.apply("s1", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "s1"})
	assert.Len(t, f.messages.Get("s1"), 2)
}

func TestApprovalRequestStored(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s2")

	f.apply("s2", protocol.ToolApprovalRequest{
		Type: protocol.EvtToolApprovalRequest, SessionID: "s2",
		RequestID: "req_a1", ToolName: "Bash",
	})

	pending := f.approvals.List("s2")
	require.Len(t, pending, 1)
	assert.Equal(t, "req_a1", pending[0].RequestID)
}

func TestProtocolErrorRecordsWithoutStatusChange(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")

	f.apply("s1", protocol.Error{Type: protocol.EvtError, SessionID: "s1", Message: "unparseable SDK line"})

	sess, _ := f.sessions.Get("s1")
	assert.Equal(t, types.StatusRunning, sess.Status)
	assert.Equal(t, "unparseable SDK line", sess.LastError)
}

func TestEveryEventPublished(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "s1")

	f.apply("s1", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "s1", Delta: "x"})
	f.apply("s1", protocol.ToolUse{Type: protocol.EvtToolUse, SessionID: "s1", ToolName: "Bash", ToolID: "tu1"})

	require.Len(t, f.publisher.events, 2)
	assert.Equal(t, protocol.EvtContentDelta, f.publisher.events[0].Event.EventType())
	assert.Equal(t, protocol.EvtToolUse, f.publisher.events[1].Event.EventType())
}

// Interleaved events across sessions must produce the same per-session
// history as processing each session alone.
func TestInterleavedSessionsIsolated(t *testing.T) {
	f := newFixture(t)
	f.startSession(t, "a")
	f.startSession(t, "b")

	f.apply("a", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "a", Delta: "A1"})
	f.apply("b", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "b", Delta: "B1"})
	f.apply("a", protocol.ContentDelta{Type: protocol.EvtContentDelta, SessionID: "a", Delta: "A2"})
	f.apply("b", protocol.Message{Type: protocol.EvtMessage, SessionID: "b", Role: "assistant", Content: "B1"})
	f.apply("a", protocol.Message{Type: protocol.EvtMessage, SessionID: "a", Role: "assistant", Content: "A1A2"})
	f.apply("b", protocol.SessionCompleted{Type: protocol.EvtSessionCompleted, SessionID: "b"})
	f.apply("a", protocol.SessionFailed{Type: protocol.EvtSessionFailed, SessionID: "a", Error: "boom"})

	aMsgs := f.messages.Get("a")
	bMsgs := f.messages.Get("b")
	require.Len(t, aMsgs, 1)
	require.Len(t, bMsgs, 1)
	assert.Equal(t, "A1A2", aMsgs[0].Content)
	assert.Equal(t, "B1", bMsgs[0].Content)

	aSess, _ := f.sessions.Get("a")
	bSess, _ := f.sessions.Get("b")
	assert.Equal(t, types.StatusFailed, aSess.Status)
	assert.Equal(t, types.StatusCompleted, bSess.Status)
}

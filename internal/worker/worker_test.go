package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/worker/sdk"
)

// fakeClient scripts the agent runtime for tests.
type fakeClient struct {
	msgs     chan sdk.Message
	sent     chan string
	started  chan struct{}
	opts     sdk.Options
	startErr error

	mu        sync.Mutex
	runErr    error
	closeOnce sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		msgs:    make(chan sdk.Message, 32),
		sent:    make(chan string, 32),
		started: make(chan struct{}),
	}
}

func (f *fakeClient) Start(ctx context.Context, opts sdk.Options) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.opts = opts
	close(f.started)
	return nil
}

func (f *fakeClient) Send(prompt string) error { f.sent <- prompt; return nil }

func (f *fakeClient) Close() error {
	f.closeOnce.Do(func() { close(f.msgs) })
	return nil
}

func (f *fakeClient) Messages() <-chan sdk.Message { return f.msgs }

func (f *fakeClient) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runErr
}

// syncBuffer is a goroutine-safe event sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) events(t *testing.T) []protocol.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []protocol.Event
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		evt, err := protocol.DecodeEvent(scanner.Bytes())
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

type harness struct {
	client *fakeClient
	out    *syncBuffer
	stdin  *io.PipeWriter
	done   chan error
}

func startWorker(t *testing.T) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	client := newFakeClient()

	w := New(Options{
		Input:      inR,
		Output:     out,
		NewClient:  func() sdk.Client { return client },
		GraceDelay: time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	t.Cleanup(func() { inW.Close() })
	return &harness{client: client, out: out, stdin: inW, done: done}
}

func (h *harness) send(t *testing.T, cmd protocol.Command) {
	t.Helper()
	line, err := protocol.EncodeCommand(cmd)
	require.NoError(t, err)
	_, err = h.stdin.Write(append(line, '\n'))
	require.NoError(t, err)
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never exited")
	}
}

func startCmd(sid string) protocol.StartSession {
	return protocol.StartSession{
		Type:        protocol.CmdStartSession,
		SessionID:   sid,
		ProjectPath: "/work/proj",
		Prompt:      "add tests",
	}
}

func assistantMsg(text string, blocks ...sdk.ContentBlock) sdk.Message {
	content := []sdk.ContentBlock{}
	if text != "" {
		content = append(content, sdk.ContentBlock{Type: "text", Text: text})
	}
	content = append(content, blocks...)
	return sdk.Message{
		Type:    sdk.KindAssistant,
		Message: &sdk.APIMessage{Role: "assistant", Content: content},
	}
}

func TestConversationHappyPath(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s1"))

	<-h.client.started
	assert.Equal(t, "add tests", <-h.client.sent)

	h.client.msgs <- sdk.Message{Type: sdk.KindSystem, Subtype: "init", SessionID: "prov-1"}
	h.client.msgs <- sdk.Message{Type: sdk.KindStream, Event: &sdk.StreamEvent{
		Type: "content_block_delta", Delta: &sdk.StreamDelta{Type: "text_delta", Text: "Sure"},
	}}
	h.client.msgs <- assistantMsg("Sure, adding tests")
	h.client.msgs <- sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultSuccess, SessionID: "prov-1", TotalCostUSD: 0.02, DurationMS: 512}
	h.client.Close()

	h.waitDone(t)

	events := h.out.events(t)
	require.Len(t, events, 4)
	assert.Equal(t, protocol.EvtSessionStarted, events[0].EventType())
	assert.Equal(t, "prov-1", events[0].(protocol.SessionStarted).ProviderConversationID)
	assert.Equal(t, protocol.EvtContentDelta, events[1].EventType())
	assert.Equal(t, "Sure, adding tests", events[2].(protocol.Message).Content)
	completed := events[3].(protocol.SessionCompleted)
	assert.Equal(t, "prov-1", completed.ProviderConversationID)
	assert.Equal(t, int64(512), completed.DurationMs)
}

func TestFollowUpBecomesNextTurn(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s1"))
	<-h.client.started
	<-h.client.sent // initial prompt

	h.send(t, protocol.SendMessage{Type: protocol.CmdSendMessage, SessionID: "s1", Message: "also add docs"})

	select {
	case got := <-h.client.sent:
		assert.Equal(t, "also add docs", got)
	case <-time.After(time.Second):
		t.Fatal("follow-up never reached the runtime")
	}

	h.send(t, protocol.EndSession{Type: protocol.CmdEndSession, SessionID: "s1"})
	h.waitDone(t)
}

func TestDuplicateStartIgnored(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s1"))
	<-h.client.started
	<-h.client.sent

	// A second start must not spawn a second conversation.
	h.send(t, startCmd("s1"))
	h.send(t, protocol.EndSession{Type: protocol.CmdEndSession, SessionID: "s1"})
	h.waitDone(t)

	select {
	case p := <-h.client.sent:
		t.Fatalf("unexpected extra turn %q", p)
	default:
	}
}

func TestToolUseSplitFromAggregatedMessage(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s1"))
	<-h.client.started
	<-h.client.sent

	input := json.RawMessage(`{"command":"go test ./..."}`)
	h.client.msgs <- assistantMsg("Running tests", sdk.ContentBlock{
		Type: "tool_use", ID: "tu_1", Name: "Bash", Input: input,
	})
	h.client.msgs <- sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultSuccess}
	h.client.Close()
	h.waitDone(t)

	events := h.out.events(t)
	require.Len(t, events, 3)

	use := events[0].(protocol.ToolUse)
	assert.Equal(t, "Bash", use.ToolName)
	assert.JSONEq(t, string(input), string(use.Input))

	msg := events[1].(protocol.Message)
	assert.Equal(t, "Running tests", msg.Content)
	var calls []toolCall
	require.NoError(t, json.Unmarshal(msg.ToolCalls, &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "Bash", calls[0].Name)
}

func TestToolInputStreamedAsProgress(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s1"))
	<-h.client.started
	<-h.client.sent

	h.client.msgs <- sdk.Message{Type: sdk.KindStream, Event: &sdk.StreamEvent{
		Type:         "content_block_start",
		ContentBlock: &sdk.ContentBlock{Type: "tool_use", ID: "tu_1", Name: "Bash"},
	}}
	h.client.msgs <- sdk.Message{Type: sdk.KindStream, Event: &sdk.StreamEvent{
		Type: "content_block_delta", Delta: &sdk.StreamDelta{Type: "input_json_delta", PartialJSON: `{"comm`},
	}}
	h.client.msgs <- sdk.Message{Type: sdk.KindStream, Event: &sdk.StreamEvent{
		Type: "content_block_delta", Delta: &sdk.StreamDelta{Type: "input_json_delta", PartialJSON: `and":"ls"}`},
	}}
	h.client.msgs <- sdk.Message{Type: sdk.KindStream, Event: &sdk.StreamEvent{Type: "content_block_stop"}}
	// Input deltas outside a tool block carry no progress.
	h.client.msgs <- sdk.Message{Type: sdk.KindStream, Event: &sdk.StreamEvent{
		Type: "content_block_delta", Delta: &sdk.StreamDelta{Type: "input_json_delta", PartialJSON: `{"x":1}`},
	}}
	h.client.msgs <- sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultSuccess}
	h.client.Close()
	h.waitDone(t)

	var progress []protocol.ToolProgress
	for _, evt := range h.out.events(t) {
		if p, ok := evt.(protocol.ToolProgress); ok {
			progress = append(progress, p)
		}
	}
	require.Len(t, progress, 2)
	assert.Equal(t, "Bash", progress[0].ToolName)
	assert.Equal(t, "tu_1", progress[0].ToolID)
	assert.Equal(t, `{"command":"ls"}`, progress[0].Progress+progress[1].Progress)
}

func TestApprovalRoundTrip(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s2"))
	<-h.client.started
	<-h.client.sent

	type result struct {
		d   sdk.PermissionDecision
		err error
	}
	got := make(chan result, 1)
	go func() {
		d, err := h.client.opts.CanUseTool(context.Background(), sdk.PermissionRequest{
			ToolName: "Write",
			Input:    json.RawMessage(`{"path":"main.go"}`),
		})
		got <- result{d, err}
	}()

	// The request event carries the correlation id the response must use.
	var reqID string
	require.Eventually(t, func() bool {
		for _, evt := range h.out.events(t) {
			if r, ok := evt.(protocol.ToolApprovalRequest); ok {
				reqID = r.RequestID
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.send(t, protocol.ToolApprovalResponse{Type: protocol.CmdToolApprovalResponse, RequestID: reqID, Allowed: false})

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.False(t, r.d.Allowed)
	case <-time.After(time.Second):
		t.Fatal("approval decision never delivered")
	}

	// Denial alone must not fail the session.
	for _, evt := range h.out.events(t) {
		assert.NotEqual(t, protocol.EvtSessionFailed, evt.EventType())
	}

	h.client.msgs <- sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultSuccess}
	h.client.Close()
	h.waitDone(t)
}

func TestAbortRejectsPendingApproval(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s2"))
	<-h.client.started
	<-h.client.sent

	errs := make(chan error, 1)
	go func() {
		_, err := h.client.opts.CanUseTool(context.Background(), sdk.PermissionRequest{ToolName: "Bash"})
		errs <- err
	}()

	require.Eventually(t, func() bool {
		for _, evt := range h.out.events(t) {
			if evt.EventType() == protocol.EvtToolApprovalRequest {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.send(t, protocol.AbortSession{Type: protocol.CmdAbortSession, SessionID: "s2"})

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending approval survived abort")
	}

	h.client.Close()
	h.waitDone(t)
}

func TestFailureReasonFromResultSubtype(t *testing.T) {
	tests := []struct {
		name string
		msg  sdk.Message
		want string
	}{
		{
			"max turns",
			sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultMaxTurns, IsError: true, NumTurns: 40},
			"turn limit exceeded after 40 turns",
		},
		{
			"generic with detail",
			sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultError, IsError: true, Result: "API connection lost"},
			"API connection lost",
		},
		{
			"generic without detail",
			sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultError, IsError: true},
			fmt.Sprintf("agent runtime failed (%s)", sdk.ResultError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startWorker(t)
			h.send(t, startCmd("s1"))
			<-h.client.started
			<-h.client.sent

			h.client.msgs <- tt.msg
			h.client.Close()
			h.waitDone(t)

			events := h.out.events(t)
			require.NotEmpty(t, events)
			failed := events[len(events)-1].(protocol.SessionFailed)
			assert.Equal(t, tt.want, failed.Error)
		})
	}
}

func TestBudgetExceededReason(t *testing.T) {
	h := startWorker(t)
	cmd := startCmd("s1")
	cmd.MaxBudgetUSD = 1.50
	h.send(t, cmd)
	<-h.client.started
	<-h.client.sent

	h.client.msgs <- sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultError, IsError: true, TotalCostUSD: 1.62}
	h.client.Close()
	h.waitDone(t)

	events := h.out.events(t)
	failed := events[len(events)-1].(protocol.SessionFailed)
	assert.Contains(t, failed.Error, "budget exceeded")
	assert.Contains(t, failed.Error, "$1.62")
}

func TestMalformedCommandLineIgnored(t *testing.T) {
	h := startWorker(t)

	_, err := h.stdin.Write([]byte("{definitely not json\n"))
	require.NoError(t, err)

	h.send(t, startCmd("s1"))
	<-h.client.started
	<-h.client.sent

	h.client.msgs <- sdk.Message{Type: sdk.KindResult, Subtype: sdk.ResultSuccess}
	h.client.Close()
	h.waitDone(t)
}

func TestRuntimeCrashReportedAsFailure(t *testing.T) {
	h := startWorker(t)
	h.send(t, startCmd("s1"))
	<-h.client.started
	<-h.client.sent

	h.client.mu.Lock()
	h.client.runErr = fmt.Errorf("runtime exited: signal: killed")
	h.client.mu.Unlock()
	h.client.Close()
	h.waitDone(t)

	events := h.out.events(t)
	require.NotEmpty(t, events)
	failed, ok := events[len(events)-1].(protocol.SessionFailed)
	require.True(t, ok)
	assert.Contains(t, failed.Error, "runtime exited")
}

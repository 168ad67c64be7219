package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/domain/approval"
	"github.com/agentdeck/agentdeck/internal/domain/message"
	"github.com/agentdeck/agentdeck/internal/domain/session"
	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/infrastructure/monitoring"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/shared/id"
	"github.com/agentdeck/agentdeck/internal/shared/types"
	"github.com/agentdeck/agentdeck/internal/supervisor"
)

// Sender resumes a session's conversation with a drained follow-up. The
// implementation records the user turn, reaches the live worker or spawns a
// resuming one, and moves the session back to running.
type Sender interface {
	SendQueued(sessionID, content string) error
}

// Publisher fans dispatched events out to UI subscribers.
type Publisher interface {
	Publish(evt supervisor.TaggedEvent)
}

// Notifier is told about terminal outcomes.
type Notifier interface {
	SessionCompleted(sessionID, summary string)
	SessionFailed(sessionID, reason string)
}

// Persist is the slice of storage the dispatcher writes through,
// fire-and-forget.
type Persist interface {
	AddMessage(msg *types.Message) error
}

// Options wires a Dispatcher. Sender, Publisher, Notifier, Persist and
// Metrics may each be nil.
type Options struct {
	Sessions  *session.Store
	Messages  *message.Store
	Queue     *message.Queue
	Approvals *approval.Store
	Persist   Persist
	Sender    Sender
	Publisher Publisher
	Notifier  Notifier
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
	// MessageIDs mints ids for finalized messages.
	MessageIDs func() string
}

// Dispatcher is the single writer for session, message and approval state.
type Dispatcher struct {
	sessions  *session.Store
	messages  *message.Store
	queue     *message.Queue
	approvals *approval.Store
	persist   Persist
	sender    Sender
	publisher Publisher
	notifier  Notifier
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	ids       func() string

	done chan struct{}
}

// New creates a dispatcher. Call Run with the supervisor's event stream.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.MessageIDs == nil {
		opts.MessageIDs = id.NewMessageID
	}
	return &Dispatcher{
		sessions:  opts.Sessions,
		messages:  opts.Messages,
		queue:     opts.Queue,
		approvals: opts.Approvals,
		persist:   opts.Persist,
		sender:    opts.Sender,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		ids:       opts.MessageIDs,
		done:      make(chan struct{}),
	}
}

// Run consumes events until the channel closes. It must be the only
// goroutine mutating the stores through event handling.
func (d *Dispatcher) Run(events <-chan supervisor.TaggedEvent) {
	defer close(d.done)
	for evt := range events {
		d.Apply(evt)
	}
}

// Done is closed once Run has drained its channel.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Apply handles one event. Exported for the orchestrator's synthetic
// events (timeout failures) which funnel through the same code path.
func (d *Dispatcher) Apply(tagged supervisor.TaggedEvent) {
	if d.metrics != nil {
		stop := d.metrics.ObserveDispatch(string(tagged.Event.EventType()))
		defer stop()
	}

	sid := tagged.SessionID
	switch evt := tagged.Event.(type) {
	case protocol.SessionStarted:
		d.onStarted(sid, evt)
	case protocol.ContentDelta:
		d.messages.AppendDelta(sid, evt.Delta, "")
	case protocol.ThinkingDelta:
		d.messages.AppendDelta(sid, "", evt.Delta)
	case protocol.Message:
		d.onMessage(sid, evt)
	case protocol.ToolApprovalRequest:
		d.onApprovalRequest(sid, evt)
	case protocol.SessionCompleted:
		d.onCompleted(sid, evt)
	case protocol.SessionFailed:
		d.onFailed(sid, evt)
	case protocol.Error:
		d.sessions.SetLastError(sid, evt.Message)
	case protocol.ToolUse, protocol.ToolResult, protocol.ToolProgress:
		// Forwarded to the UI only; the durable record is the toolCalls
		// payload on the finalized message.
	default:
		d.logger.Warn("unhandled event type", zap.String("type", string(tagged.Event.EventType())))
	}

	if d.publisher != nil {
		d.publisher.Publish(tagged)
	}
}

func (d *Dispatcher) onStarted(sid string, evt protocol.SessionStarted) {
	if err := d.sessions.Transition(sid, types.StatusRunning, ""); err != nil {
		d.logger.Warn("session_started transition", zap.String("session_id", sid), zap.Error(err))
	}
	if evt.ProviderConversationID != "" {
		if err := d.sessions.SetProviderConversationID(sid, evt.ProviderConversationID); err != nil {
			d.logger.Warn("record provider id", zap.String("session_id", sid), zap.Error(err))
		}
	}
}

// onMessage finalizes one turn. A message with tool calls but no text and
// no streamed output is an out-of-band tool-call note; its calls are held
// for the next real message.
func (d *Dispatcher) onMessage(sid string, evt protocol.Message) {
	if evt.Content == "" && evt.Thinking == "" && len(evt.ToolCalls) > 0 && !d.messages.HasStream(sid) {
		if err := d.messages.BufferToolCalls(sid, evt.ToolCalls); err != nil {
			d.logger.Warn("buffer tool calls", zap.String("session_id", sid), zap.Error(err))
		}
		return
	}

	content, thinking := d.messages.TakeStream(sid)
	if evt.Content != "" {
		content = evt.Content
	}
	if evt.Thinking != "" {
		thinking = evt.Thinking
	}
	toolCalls, err := d.messages.MergeToolCalls(sid, evt.ToolCalls)
	if err != nil {
		d.logger.Warn("merge tool calls", zap.String("session_id", sid), zap.Error(err))
		toolCalls = evt.ToolCalls
	}

	role := evt.Role
	if role == "" {
		role = "assistant"
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	d.record(&types.Message{
		ID:        d.ids(),
		SessionID: sid,
		Role:      role,
		Content:   content,
		Thinking:  thinking,
		ToolCalls: toolCalls,
		Usage:     evt.Usage,
		Timestamp: ts,
	})
}

func (d *Dispatcher) onApprovalRequest(sid string, evt protocol.ToolApprovalRequest) {
	d.approvals.Add(&types.PendingApproval{
		RequestID:   evt.RequestID,
		SessionID:   sid,
		ToolName:    evt.ToolName,
		Input:       evt.Input,
		Suggestions: evt.Suggestions,
		CreatedAt:   time.Now().UTC(),
	})
	if d.metrics != nil {
		d.metrics.PendingApprovals.Set(float64(d.approvals.Len()))
	}
}

func (d *Dispatcher) onCompleted(sid string, evt protocol.SessionCompleted) {
	d.flushStream(sid)
	d.ensureAnswered(sid)
	if evt.ProviderConversationID != "" {
		if err := d.sessions.SetProviderConversationID(sid, evt.ProviderConversationID); err != nil {
			d.logger.Warn("record provider id", zap.String("session_id", sid), zap.Error(err))
		}
	}

	// A late completion from a worker the sweep or an abort already ended
	// must not resurrect the session through the queue.
	if sess, ok := d.sessions.Get(sid); ok && sess.Status.Terminal() {
		d.logger.Warn("late session_completed ignored",
			zap.String("session_id", sid), zap.String("status", string(sess.Status)))
		return
	}

	// A queued follow-up resumes the conversation instead of completing.
	if entry, ok := d.queue.Dequeue(sid); ok && d.sender != nil {
		if d.metrics != nil {
			d.metrics.QueueDepth.Dec()
		}
		if err := d.sender.SendQueued(sid, entry.Content); err != nil {
			d.logger.Error("queued follow-up delivery failed",
				zap.String("session_id", sid), zap.Error(err))
			d.terminal(sid, types.StatusFailed, "queued message delivery failed: "+err.Error())
			return
		}
		d.logger.Info("queued follow-up sent", zap.String("session_id", sid), zap.String("queue_id", entry.ID))
		return
	}

	d.terminal(sid, types.StatusCompleted, "")
	if d.notifier != nil {
		d.notifier.SessionCompleted(sid, d.lastAssistantText(sid))
	}
}

func (d *Dispatcher) onFailed(sid string, evt protocol.SessionFailed) {
	d.flushStream(sid)
	d.terminal(sid, types.StatusFailed, evt.Error)
	if d.notifier != nil {
		d.notifier.SessionFailed(sid, evt.Error)
	}
}

func (d *Dispatcher) terminal(sid string, status types.Status, lastError string) {
	if err := d.sessions.Transition(sid, status, lastError); err != nil {
		d.logger.Warn("terminal transition", zap.String("session_id", sid), zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.SessionsActive.Dec()
		d.metrics.SessionsEnded.WithLabelValues(string(status)).Inc()
	}
}

// flushStream covers workers that die mid-stream: whatever partial output
// accumulated becomes a message rather than vanishing.
func (d *Dispatcher) flushStream(sid string) {
	if !d.messages.HasStream(sid) && !d.messages.HasBufferedToolCalls(sid) {
		return
	}
	content, thinking := d.messages.TakeStream(sid)
	toolCalls, err := d.messages.MergeToolCalls(sid, nil)
	if err != nil {
		d.logger.Warn("merge tool calls on flush", zap.String("session_id", sid), zap.Error(err))
	}
	if content == "" && thinking == "" && toolCalls == nil {
		return
	}
	d.record(&types.Message{
		ID:        d.ids(),
		SessionID: sid,
		Role:      "assistant",
		Content:   content,
		Thinking:  thinking,
		ToolCalls: toolCalls,
		Timestamp: time.Now().UTC(),
	})
}

// ensureAnswered synthesizes a system message when a user turn would
// otherwise end the session unanswered.
func (d *Dispatcher) ensureAnswered(sid string) {
	last, ok := d.messages.Last(sid)
	if !ok || last.Role != "user" {
		return
	}
	d.record(&types.Message{
		ID:        d.ids(),
		SessionID: sid,
		Role:      "system",
		Content:   "The session ended without a response to the last message.",
		Timestamp: time.Now().UTC(),
	})
}

// record appends to the in-memory store synchronously and mirrors to
// storage in the background.
func (d *Dispatcher) record(msg *types.Message) {
	d.messages.Append(msg)
	if d.persist == nil {
		return
	}
	cp := *msg
	go func() {
		if err := d.persist.AddMessage(&cp); err != nil {
			d.logger.Warn("message persist failed",
				zap.String("session_id", cp.SessionID),
				zap.String("message_id", cp.ID),
				zap.Error(err))
		}
	}()
}

func (d *Dispatcher) lastAssistantText(sid string) string {
	last, ok := d.messages.Last(sid)
	if !ok {
		return ""
	}
	return last.Content
}

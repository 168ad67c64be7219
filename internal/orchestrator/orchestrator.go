// Package orchestrator is the host command surface: it starts and resumes
// sessions, routes operator input to workers, enforces the run-time
// ceiling, and recovers persisted state at startup.
package orchestrator

import (
	"errors"
	"fmt"
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

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// WorkerPool is the slice of the supervisor the orchestrator drives.
type WorkerPool interface {
	Spawn(sessionID string) error
	Send(sessionID string, cmd protocol.Command) error
	Alive(sessionID string) bool
	Remove(sessionID string)
}

// Storage is the read side of persistence used for recovery and lazy
// message loading.
type Storage interface {
	GetAllSessions() ([]*types.Session, error)
	GetMessages(sessionID string) ([]*types.Message, error)
	MarkInterruptedSessions() (int64, error)
	AddMessage(msg *types.Message) error
}

// Options wires an Orchestrator.
type Options struct {
	Sessions  *session.Store
	Messages  *message.Store
	Queue     *message.Queue
	Approvals *approval.Store
	Workers   WorkerPool
	Storage   Storage
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics

	// TimeoutCeiling is the longest a session may stay running before the
	// sweep force-fails it.
	TimeoutCeiling time.Duration
	SweepInterval  time.Duration

	SessionIDs func() string
	MessageIDs func() string
}

// StartRequest carries the parameters of a new session. ResumeSessionID
// picks up a prior provider conversation instead of opening a fresh one.
type StartRequest struct {
	SessionID       string
	ProjectID       string
	ProjectPath     string
	Prompt          string
	Model           string
	MaxBudgetUSD    float64
	ResumeSessionID string
}

// Orchestrator coordinates sessions, workers and stores.
type Orchestrator struct {
	sessions  *session.Store
	messages  *message.Store
	queue     *message.Queue
	approvals *approval.Store
	workers   WorkerPool
	storage   Storage
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	timeoutCeiling time.Duration
	sweepInterval  time.Duration

	sessionIDs func() string
	messageIDs func() string
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.SessionIDs == nil {
		opts.SessionIDs = id.NewSessionID
	}
	if opts.MessageIDs == nil {
		opts.MessageIDs = id.NewMessageID
	}
	if opts.TimeoutCeiling <= 0 {
		opts.TimeoutCeiling = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Orchestrator{
		sessions:       opts.Sessions,
		messages:       opts.Messages,
		queue:          opts.Queue,
		approvals:      opts.Approvals,
		workers:        opts.Workers,
		storage:        opts.Storage,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		timeoutCeiling: opts.TimeoutCeiling,
		sweepInterval:  opts.SweepInterval,
		sessionIDs:     opts.SessionIDs,
		messageIDs:     opts.MessageIDs,
	}
}

// StartSession creates a session record, spawns its worker and sends the
// opening prompt. Returns the session id.
func (o *Orchestrator) StartSession(req StartRequest) (string, error) {
	if req.ProjectPath == "" {
		return "", errors.New("project path is required")
	}
	if req.Prompt == "" {
		return "", errors.New("prompt is required")
	}

	sid := req.SessionID
	if sid == "" {
		sid = o.sessionIDs()
	}

	sess := &types.Session{
		ID:          sid,
		ProjectID:   req.ProjectID,
		ProjectPath: req.ProjectPath,
		Status:      types.StatusIdle,
		Prompt:      req.Prompt,
		Model:       req.Model,
		CreatedAt:   time.Now().UTC(),
		// Known before session_started confirms it; lets a dead-worker
		// retry resume even if the worker dies before reporting back.
		ProviderConversationID: req.ResumeSessionID,
	}
	if err := o.sessions.Create(sess); err != nil {
		return "", err
	}

	start := protocol.StartSession{
		Type:            protocol.CmdStartSession,
		SessionID:       sid,
		ProjectPath:     req.ProjectPath,
		Prompt:          req.Prompt,
		Model:           req.Model,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		ResumeSessionID: req.ResumeSessionID,
	}
	if err := o.launchWorker(sid, start); err != nil {
		if terr := o.sessions.Transition(sid, types.StatusFailed, err.Error()); terr != nil {
			o.logger.Warn("failed-start transition", zap.String("session_id", sid), zap.Error(terr))
		}
		return sid, err
	}

	o.recordUserMessage(sid, req.Prompt)
	if err := o.sessions.Transition(sid, types.StatusRunning, ""); err != nil {
		o.logger.Warn("start transition", zap.String("session_id", sid), zap.Error(err))
	}
	if o.metrics != nil {
		o.metrics.SessionsStarted.Inc()
		o.metrics.SessionsActive.Inc()
	}
	o.logger.Info("session started",
		zap.String("session_id", sid),
		zap.String("project_path", req.ProjectPath))
	return sid, nil
}

// SendMessage delivers operator input to the session's conversation. If
// the worker is gone but the conversation can be resumed, a fresh worker
// is spawned once before giving up.
func (o *Orchestrator) SendMessage(sessionID, content string) error {
	if content == "" {
		return errors.New("message is empty")
	}
	if err := o.deliver(sessionID, content); err != nil {
		if terr := o.sessions.Transition(sessionID, types.StatusFailed, err.Error()); terr != nil {
			o.logger.Warn("delivery-failure transition", zap.String("session_id", sessionID), zap.Error(terr))
		}
		return err
	}
	return nil
}

// SendQueued implements dispatch.Sender for the automatic queue drain.
func (o *Orchestrator) SendQueued(sessionID, content string) error {
	return o.deliver(sessionID, content)
}

func (o *Orchestrator) deliver(sessionID, content string) error {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	if o.workers.Alive(sessionID) {
		err := o.workers.Send(sessionID, protocol.SendMessage{
			Type:      protocol.CmdSendMessage,
			SessionID: sessionID,
			Message:   content,
		})
		if err == nil {
			o.recordUserMessage(sessionID, content)
			return o.markRunning(sessionID)
		}
		o.logger.Warn("send to live worker failed, attempting resume",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	// Worker is gone. One resume attempt with the stored conversation id.
	if sess.ProviderConversationID == "" {
		return fmt.Errorf("no worker for session %s and no conversation to resume", sessionID)
	}
	o.workers.Remove(sessionID)
	start := protocol.StartSession{
		Type:            protocol.CmdStartSession,
		SessionID:       sessionID,
		ProjectPath:     sess.ProjectPath,
		Prompt:          content,
		Model:           sess.Model,
		ResumeSessionID: sess.ProviderConversationID,
	}
	if err := o.launchWorker(sessionID, start); err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	o.recordUserMessage(sessionID, content)
	if o.metrics != nil {
		o.metrics.SessionsActive.Inc()
	}
	return o.markRunning(sessionID)
}

func (o *Orchestrator) launchWorker(sessionID string, start protocol.StartSession) error {
	if err := o.workers.Spawn(sessionID); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	if err := o.workers.Send(sessionID, start); err != nil {
		o.workers.Remove(sessionID)
		return fmt.Errorf("send start command: %w", err)
	}
	return nil
}

func (o *Orchestrator) markRunning(sessionID string) error {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == types.StatusRunning {
		return nil
	}
	return o.sessions.MarkRunning(sessionID)
}

// Abort cancels the session. The worker command is best-effort; the status
// change is not.
func (o *Orchestrator) Abort(sessionID string) error {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return ErrSessionNotFound
	}
	err := o.workers.Send(sessionID, protocol.AbortSession{
		Type:      protocol.CmdAbortSession,
		SessionID: sessionID,
	})
	if err != nil && !errors.Is(err, supervisor.ErrNoWorker) {
		o.logger.Warn("abort command", zap.String("session_id", sessionID), zap.Error(err))
	}

	o.approvals.DropSession(sessionID)
	if o.metrics != nil {
		o.metrics.PendingApprovals.Set(float64(o.approvals.Len()))
	}
	if err := o.sessions.Transition(sessionID, types.StatusAborted, ""); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SessionsActive.Dec()
		o.metrics.SessionsEnded.WithLabelValues(string(types.StatusAborted)).Inc()
	}
	return nil
}

// End asks the worker to finish after the current turn. The terminal
// status arrives later through the event stream.
func (o *Orchestrator) End(sessionID string) error {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return ErrSessionNotFound
	}
	err := o.workers.Send(sessionID, protocol.EndSession{
		Type:      protocol.CmdEndSession,
		SessionID: sessionID,
	})
	if errors.Is(err, supervisor.ErrNoWorker) {
		return nil
	}
	return err
}

// RespondApproval routes an operator decision to the worker holding the
// suspended tool call. An unknown request id is a no-op.
func (o *Orchestrator) RespondApproval(sessionID, requestID string, allowed bool, updatedPermissions []byte) error {
	pa, ok := o.approvals.Take(requestID)
	if !ok {
		o.logger.Debug("approval response for unknown request", zap.String("request_id", requestID))
		return nil
	}
	if o.metrics != nil {
		o.metrics.PendingApprovals.Set(float64(o.approvals.Len()))
	}

	err := o.workers.Send(pa.SessionID, protocol.ToolApprovalResponse{
		Type:               protocol.CmdToolApprovalResponse,
		RequestID:          requestID,
		Allowed:            allowed,
		UpdatedPermissions: updatedPermissions,
	})
	if errors.Is(err, supervisor.ErrNoWorker) {
		// The worker died while the approval was pending; nothing to do.
		return nil
	}
	return err
}

// Delete removes the session and everything attached to it.
func (o *Orchestrator) Delete(sessionID string) error {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return ErrSessionNotFound
	}
	o.workers.Remove(sessionID)
	o.approvals.DropSession(sessionID)
	o.queue.Drop(sessionID)
	o.messages.Drop(sessionID)
	o.sessions.Delete(sessionID)
	o.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// Enqueue parks operator input for delivery after the current turn.
func (o *Orchestrator) Enqueue(sessionID, content string) (*types.QueuedMessage, error) {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return nil, ErrSessionNotFound
	}
	entry := o.queue.Enqueue(sessionID, content)
	if o.metrics != nil {
		o.metrics.QueueDepth.Inc()
	}
	return entry, nil
}

// CancelQueued removes a queued entry by id.
func (o *Orchestrator) CancelQueued(queueID string) bool {
	ok := o.queue.Cancel(queueID)
	if ok && o.metrics != nil {
		o.metrics.QueueDepth.Dec()
	}
	return ok
}

// EditQueued replaces a queued entry's content before it is sent.
func (o *Orchestrator) EditQueued(queueID, content string) bool {
	return o.queue.Edit(queueID, content)
}

// ListQueued returns the session's pending follow-ups in send order.
func (o *Orchestrator) ListQueued(sessionID string) []*types.QueuedMessage {
	return o.queue.List(sessionID)
}

// ListSessions returns all sessions, newest first.
func (o *Orchestrator) ListSessions() []*types.Session {
	return o.sessions.List()
}

// GetSession returns one session.
func (o *Orchestrator) GetSession(sessionID string) (*types.Session, error) {
	sess, ok := o.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ListApprovals returns the session's pending tool approvals.
func (o *Orchestrator) ListApprovals(sessionID string) []*types.PendingApproval {
	return o.approvals.List(sessionID)
}

// GetMessages returns the session's history, loading it from storage on
// first access.
func (o *Orchestrator) GetMessages(sessionID string) ([]*types.Message, error) {
	if _, ok := o.sessions.Get(sessionID); !ok {
		return nil, ErrSessionNotFound
	}
	if !o.messages.Loaded(sessionID) && o.storage != nil {
		msgs, err := o.storage.GetMessages(sessionID)
		if err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
		o.messages.SetAll(sessionID, msgs)
	}
	return o.messages.Get(sessionID), nil
}

func (o *Orchestrator) recordUserMessage(sessionID, content string) {
	msg := &types.Message{
		ID:        o.messageIDs(),
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	o.messages.Append(msg)
	if o.storage == nil {
		return
	}
	cp := *msg
	go func() {
		if err := o.storage.AddMessage(&cp); err != nil {
			o.logger.Warn("user message persist failed",
				zap.String("session_id", cp.SessionID), zap.Error(err))
		}
	}()
}

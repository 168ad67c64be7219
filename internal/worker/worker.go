package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/shared/id"
	"github.com/agentdeck/agentdeck/internal/worker/approval"
	"github.com/agentdeck/agentdeck/internal/worker/queue"
	"github.com/agentdeck/agentdeck/internal/worker/sdk"
)

// DefaultGraceDelay lets final stdout lines flush before the process
// exits.
const DefaultGraceDelay = 150 * time.Millisecond

// Options configures a Worker.
type Options struct {
	Input      io.Reader
	Output     io.Writer
	Logger     *logging.Logger
	NewClient  func() sdk.Client
	GraceDelay time.Duration
	RequestIDs func() string
}

// Worker drives one agent conversation over the stdin/stdout protocol.
type Worker struct {
	in         io.Reader
	logger     *logging.Logger
	newClient  func() sdk.Client
	graceDelay time.Duration
	requestIDs func() string

	queue  *queue.Queue
	broker *approval.Broker

	outMu sync.Mutex
	out   io.Writer

	mu              sync.Mutex
	started         bool
	sessionID       string
	maxBudgetUSD    float64
	cancelSession   context.CancelFunc
	terminalEmitted bool

	// streamTool tracks the in-flight tool_use block between its
	// content_block_start and stop. Touched only by the message loop.
	streamTool toolCall

	sessionDone chan struct{}
}

// New creates a worker. NewClient is required; the other options default.
func New(opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	if opts.RequestIDs == nil {
		opts.RequestIDs = id.NewRequestID
	}
	return &Worker{
		in:          opts.Input,
		out:         opts.Output,
		logger:      opts.Logger,
		newClient:   opts.NewClient,
		graceDelay:  opts.GraceDelay,
		requestIDs:  opts.RequestIDs,
		queue:       queue.New(),
		broker:      approval.NewBroker(),
		sessionDone: make(chan struct{}),
	}
}

// Run processes commands until the conversation ends, then returns after
// the grace delay. The caller exits the process unconditionally afterward.
func (w *Worker) Run(ctx context.Context) error {
	stdinClosed := make(chan struct{})
	go func() {
		defer close(stdinClosed)
		w.commandLoop(ctx)
	}()

	select {
	case <-w.sessionDone:
	case <-stdinClosed:
		// Host is gone. If a session is running, let it finish its
		// current turn; otherwise there is nothing to do.
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if !started {
			return nil
		}
		w.queue.Close()
		select {
		case <-w.sessionDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	time.Sleep(w.graceDelay)
	return nil
}

func (w *Worker) commandLoop(ctx context.Context) {
	scanner := bufio.NewScanner(w.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			// Malformed command lines are logged and ignored, never fatal.
			w.logger.Warn("ignoring malformed command line", zap.Error(err))
			continue
		}
		w.handleCommand(ctx, cmd)
	}
	if err := scanner.Err(); err != nil {
		w.logger.Warn("stdin read error", zap.Error(err))
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.StartSession:
		w.mu.Lock()
		if w.started {
			w.mu.Unlock()
			w.logger.Warn("duplicate start_session ignored", zap.String("session_id", c.SessionID))
			return
		}
		w.started = true
		w.sessionID = c.SessionID
		w.maxBudgetUSD = c.MaxBudgetUSD
		sessionCtx, cancel := context.WithCancel(ctx)
		w.cancelSession = cancel
		w.mu.Unlock()

		go w.runSession(sessionCtx, c)

	case protocol.SendMessage:
		if !w.queue.Push(c.Message) {
			w.logger.Warn("follow-up dropped, queue closed", zap.String("session_id", c.SessionID))
		}

	case protocol.AbortSession:
		w.logger.Info("abort requested", zap.String("session_id", c.SessionID))
		w.queue.Discard()
		w.broker.Abort()
		w.mu.Lock()
		cancel := w.cancelSession
		started := w.started
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if !started {
			// Nothing running; exit via the session-done path.
			w.finishOnce()
		}

	case protocol.EndSession:
		w.logger.Info("graceful end requested", zap.String("session_id", c.SessionID))
		w.queue.Close()

	case protocol.ToolApprovalResponse:
		resolved := w.broker.Resolve(c.RequestID, approval.Decision{
			Allowed:            c.Allowed,
			UpdatedPermissions: c.UpdatedPermissions,
		})
		if !resolved {
			w.logger.Warn("approval response for unknown request", zap.String("request_id", c.RequestID))
		}
	}
}

func (w *Worker) runSession(ctx context.Context, cmd protocol.StartSession) {
	defer w.finishOnce()

	client := w.newClient()
	opts := sdk.Options{
		ProjectPath:          cmd.ProjectPath,
		Model:                cmd.Model,
		MaxBudgetUSD:         cmd.MaxBudgetUSD,
		ResumeConversationID: cmd.ResumeSessionID,
		CanUseTool:           w.canUseTool,
	}

	if err := client.Start(ctx, opts); err != nil {
		w.emitFailed("failed to start agent runtime: " + err.Error())
		return
	}

	// Turn feeder: initial prompt, then every follow-up until the queue
	// closes. Queue closure closes the runtime's input, which ends the
	// conversation after the current turn.
	go func() {
		if err := client.Send(cmd.Prompt); err != nil {
			w.logger.Warn("initial prompt send failed", zap.Error(err))
		}
		for {
			item, ok := w.queue.Pull()
			if !ok {
				break
			}
			if err := client.Send(item); err != nil {
				w.logger.Warn("follow-up send failed", zap.Error(err))
				break
			}
		}
		if err := client.Close(); err != nil {
			w.logger.Debug("runtime input close", zap.Error(err))
		}
	}()

	for msg := range client.Messages() {
		w.translate(msg)
	}

	// Make sure nothing stays parked once the stream is over.
	w.queue.Close()
	w.broker.Abort()

	err := client.Err()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Cancellation is not a failure.
	default:
		w.mu.Lock()
		alreadyTerminal := w.terminalEmitted
		w.mu.Unlock()
		if !alreadyTerminal {
			w.emitFailed(err.Error())
		}
	}
}

// canUseTool surfaces one tool call to the operator and suspends it on the
// broker until the matching tool_approval_response arrives.
func (w *Worker) canUseTool(ctx context.Context, req sdk.PermissionRequest) (sdk.PermissionDecision, error) {
	requestID := w.requestIDs()

	w.emit(protocol.ToolApprovalRequest{
		Type:        protocol.EvtToolApprovalRequest,
		SessionID:   w.currentSessionID(),
		RequestID:   requestID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		Suggestions: req.Suggestions,
	})

	decision, err := w.broker.Wait(ctx, requestID)
	if err != nil {
		return sdk.PermissionDecision{}, err
	}
	return sdk.PermissionDecision{
		Allowed:            decision.Allowed,
		UpdatedPermissions: decision.UpdatedPermissions,
	}, nil
}

func (w *Worker) currentSessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *Worker) finishOnce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.sessionDone:
	default:
		close(w.sessionDone)
	}
}

// emit writes one event line to stdout. Approval callbacks emit
// concurrently with the message loop, so writes are serialized.
func (w *Worker) emit(evt protocol.Event) {
	line, err := protocol.EncodeEvent(evt)
	if err != nil {
		w.logger.Error("event encode failed", zap.String("type", string(evt.EventType())), zap.Error(err))
		return
	}

	w.outMu.Lock()
	defer w.outMu.Unlock()
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		w.logger.Error("event write failed", zap.Error(err))
	}

	switch evt.EventType() {
	case protocol.EvtSessionCompleted, protocol.EvtSessionFailed:
		w.mu.Lock()
		w.terminalEmitted = true
		w.mu.Unlock()
	case protocol.EvtError:
	default:
		w.mu.Lock()
		w.terminalEmitted = false
		w.mu.Unlock()
	}
}

func (w *Worker) emitFailed(reason string) {
	w.emit(protocol.SessionFailed{
		Type:      protocol.EvtSessionFailed,
		SessionID: w.currentSessionID(),
		Error:     reason,
	})
}

// emitProtocolError reports a protocol-level problem without a status
// change.
func (w *Worker) emitProtocolError(msg string) {
	w.emit(protocol.Error{
		Type:      protocol.EvtError,
		SessionID: w.currentSessionID(),
		Message:   msg,
	})
}

// Package supervisor owns the worker processes. One worker per session,
// spawned on demand, never restarted; each worker's stdout is decoded line
// by line and forwarded, tagged with its session id, into a single event
// channel in strict per-worker order.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/infrastructure/monitoring"
	"github.com/agentdeck/agentdeck/internal/protocol"
)

// ErrNoWorker is returned by Send when no live worker exists for the
// session. Callers decide whether that is fatal; for aborts it never is.
var ErrNoWorker = errors.New("no worker for session")

// TaggedEvent is one worker event labeled with its session identity.
type TaggedEvent struct {
	SessionID string
	Event     protocol.Event
}

// Options configures a Supervisor.
type Options struct {
	// BinPath is the worker executable to spawn.
	BinPath string
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	// EventBuffer sizes the shared event channel.
	EventBuffer int
}

type workerHandle struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	// pipes gates cmd.Wait: both pipe readers must finish first, or Wait
	// closes the pipes under them and final lines are lost.
	pipes sync.WaitGroup
}

// Supervisor tracks at most one worker process per session.
type Supervisor struct {
	binPath string
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	workers map[string]*workerHandle
	closed  bool

	events  chan TaggedEvent
	readers sync.WaitGroup
}

// New creates a supervisor. Call Close to reap everything.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Supervisor{
		binPath: opts.BinPath,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		workers: make(map[string]*workerHandle),
		events:  make(chan TaggedEvent, opts.EventBuffer),
	}
}

// Events is the shared stream of session-tagged worker events. It is closed
// by Close after every reader goroutine has drained.
func (s *Supervisor) Events() <-chan TaggedEvent {
	return s.events
}

// Spawn starts a worker process for the session. At most one worker may
// exist per session; a second Spawn while the first lives is an error.
func (s *Supervisor) Spawn(sessionID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("supervisor closed")
	}
	if _, exists := s.workers[sessionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("worker already running for session %s", sessionID)
	}

	cmd := exec.Command(s.binPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("spawn worker: %w", err)
	}

	handle := &workerHandle{cmd: cmd, stdin: stdin}
	handle.pipes.Add(2)
	s.workers[sessionID] = handle
	s.readers.Add(2)
	s.mu.Unlock()

	s.logger.Info("worker spawned",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid))
	if s.metrics != nil {
		s.metrics.WorkersSpawned.Inc()
		s.metrics.WorkersActive.Inc()
	}

	go s.readEvents(sessionID, handle, stdout)
	go s.relayStderr(sessionID, handle, stderr)
	return nil
}

// Send writes one command line to the session's worker stdin.
func (s *Supervisor) Send(sessionID string, cmd protocol.Command) error {
	s.mu.Lock()
	handle, ok := s.workers[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrNoWorker
	}

	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	handle.writeMu.Lock()
	defer handle.writeMu.Unlock()
	if _, err := handle.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to worker: %w", err)
	}
	return nil
}

// Alive reports whether a worker process is currently tracked for the
// session.
func (s *Supervisor) Alive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[sessionID]
	return ok
}

// Remove kills the session's worker if one is alive. Reaping happens in the
// reader goroutine; a missing worker is not an error.
func (s *Supervisor) Remove(sessionID string) {
	s.mu.Lock()
	handle, ok := s.workers[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := handle.cmd.Process.Kill(); err != nil {
		s.logger.Debug("worker kill", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Close kills every worker, waits for the readers to drain, and closes the
// event channel.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = h.cmd.Process.Kill()
	}
	s.readers.Wait()
	close(s.events)
}

// readEvents is the per-worker stdout loop. Line order here is the
// per-session event order the dispatcher relies on.
func (s *Supervisor) readEvents(sessionID string, handle *workerHandle, stdout io.Reader) {
	defer s.readers.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evt, err := protocol.DecodeEvent(line)
		if err != nil {
			s.logger.Warn("dropping undecodable worker line",
				zap.String("session_id", sessionID),
				zap.Error(err))
			if s.metrics != nil {
				s.metrics.DroppedLines.Inc()
			}
			continue
		}
		s.events <- TaggedEvent{SessionID: sessionID, Event: evt}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("worker stdout read error", zap.String("session_id", sessionID), zap.Error(err))
	}

	handle.pipes.Done()
	handle.pipes.Wait()
	err := handle.cmd.Wait()
	s.logger.Info("worker exited", zap.String("session_id", sessionID), zap.Error(err))

	s.mu.Lock()
	if s.workers[sessionID] == handle {
		delete(s.workers, sessionID)
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WorkersActive.Dec()
	}
}

func (s *Supervisor) relayStderr(sessionID string, handle *workerHandle, stderr io.Reader) {
	defer s.readers.Done()
	defer handle.pipes.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("worker", zap.String("session_id", sessionID), zap.String("line", scanner.Text()))
	}
}

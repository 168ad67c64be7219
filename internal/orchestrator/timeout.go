package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// RunTimeoutSweep force-fails sessions that stay running past the ceiling.
// Blocks until ctx is cancelled.
func (o *Orchestrator) RunTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(time.Now().UTC())
		}
	}
}

// Sweep checks every running session against the ceiling once. The abort
// command is best-effort; the failed status is forced regardless, so a hung
// or dead worker cannot keep a session running forever.
func (o *Orchestrator) Sweep(now time.Time) {
	for _, sess := range o.sessions.List() {
		if sess.Status != types.StatusRunning || sess.StartedAt.IsZero() {
			continue
		}
		elapsed := now.Sub(sess.StartedAt)
		if elapsed <= o.timeoutCeiling {
			continue
		}

		o.logger.Warn("session exceeded run ceiling",
			zap.String("session_id", sess.ID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("ceiling", o.timeoutCeiling))

		if err := o.workers.Send(sess.ID, protocol.AbortSession{
			Type:      protocol.CmdAbortSession,
			SessionID: sess.ID,
		}); err != nil {
			o.logger.Debug("timeout abort command", zap.String("session_id", sess.ID), zap.Error(err))
		}

		reason := fmt.Sprintf("session timed out after %s", elapsed.Round(time.Second))
		if err := o.sessions.Transition(sess.ID, types.StatusFailed, reason); err != nil {
			o.logger.Warn("timeout transition", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		o.approvals.DropSession(sess.ID)
		if o.metrics != nil {
			o.metrics.SessionsActive.Dec()
			o.metrics.SessionsEnded.WithLabelValues(string(types.StatusFailed)).Inc()
			o.metrics.PendingApprovals.Set(float64(o.approvals.Len()))
		}
	}
}

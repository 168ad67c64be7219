package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/shared/types"
)

// Bootstrap recovers persisted state before the API starts serving. No
// worker survives a restart, so every session still marked running is
// reclassified as interrupted first; then all sessions load into memory
// and only the most recently active one gets its history preloaded.
func (o *Orchestrator) Bootstrap() error {
	if o.storage == nil {
		return nil
	}

	n, err := o.storage.MarkInterruptedSessions()
	if err != nil {
		return fmt.Errorf("mark interrupted sessions: %w", err)
	}
	if n > 0 {
		o.logger.Info("reclassified orphaned sessions", zap.Int64("count", n))
	}

	sessions, err := o.storage.GetAllSessions()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	for _, sess := range sessions {
		o.sessions.Load(sess)
	}
	o.logger.Info("sessions recovered", zap.Int("count", len(sessions)))

	if recent := mostRecentlyActive(sessions); recent != "" {
		msgs, err := o.storage.GetMessages(recent)
		if err != nil {
			o.logger.Warn("preload messages", zap.String("session_id", recent), zap.Error(err))
			return nil
		}
		o.messages.SetAll(recent, msgs)
	}
	return nil
}

// mostRecentlyActive picks the session whose last activity is newest,
// using startedAt when set and createdAt otherwise.
func mostRecentlyActive(sessions []*types.Session) string {
	var best *types.Session
	for _, sess := range sessions {
		if best == nil || activity(sess).After(activity(best)) {
			best = sess
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func activity(s *types.Session) time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	if !s.StartedAt.IsZero() {
		return s.StartedAt
	}
	return s.CreatedAt
}

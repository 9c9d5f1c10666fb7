package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// SweepSessions deletes sessions whose last use is older than maxIdle and
// returns how many were removed. Sessions deleted concurrently are ignored.
func SweepSessions(ctx context.Context, sessions interfaces.SessionStorage, maxIdle time.Duration, now time.Time, logger arbor.ILogger) (int, error) {
	all, err := sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := now.Add(-maxIdle)
	evicted := 0
	for _, session := range all {
		if !session.LastUsedAt.Before(cutoff) {
			continue
		}
		if err := sessions.Delete(ctx, session.ID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return evicted, fmt.Errorf("failed to evict session %s: %w", session.ID, err)
		}
		evicted++
		logger.Debug().
			Str("session_id", session.ID).
			Str("last_used_at", session.LastUsedAt.Format(time.RFC3339)).
			Msg("Session evicted")
	}
	return evicted, nil
}

package queue

import (
	"context"
	"fmt"

	"github.com/ternarybob/drover/internal/models"
)

// recoverJobs re-enqueues work a previous process left behind. Jobs found
// running were interrupted mid attempt: they resume ahead of queued jobs
// when attempts remain and fail as crashed otherwise.
func (s *Scheduler) recoverJobs(ctx context.Context) error {
	running, err := s.jobs.List(ctx, models.JobFilter{Status: models.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}
	queued, err := s.jobs.List(ctx, models.JobFilter{Status: models.JobStatusQueued})
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}

	resumed, failed := 0, 0
	var entries []*entry
	for _, job := range running {
		if job.AttemptCount >= job.MaxAttempts {
			update := models.JobUpdate{Error: &models.JobError{
				Kind:    models.ErrorKindCrashed,
				Message: "interrupted by process restart with no attempts left",
			}}
			settled, err := s.transition(job.ID, models.JobStatusRunning, models.JobStatusFailed, update)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to settle interrupted job")
				continue
			}
			failed++
			s.publishCompleted(settled)
			continue
		}
		entries = append(entries, &entry{
			jobID:     job.ID,
			sessionID: job.SessionID,
			status:    models.JobStatusRunning,
			attempt:   job.AttemptCount + 1,
		})
		resumed++
	}
	for _, job := range queued {
		entries = append(entries, &entry{
			jobID:     job.ID,
			sessionID: job.SessionID,
			status:    models.JobStatusQueued,
			attempt:   1,
		})
	}

	s.mu.Lock()
	// Jobs submitted before Start are already queued in memory and are newer
	// than anything a previous process left behind
	pending := make([]*entry, 0, s.ready.len())
	for e := s.ready.popFront(); e != nil; e = s.ready.popFront() {
		pending = append(pending, e)
	}
	inMemory := make(map[string]bool, len(pending))
	for _, e := range pending {
		inMemory[e.jobID] = true
	}
	for _, e := range entries {
		if !inMemory[e.jobID] {
			s.ready.pushBack(e)
		}
	}
	for _, e := range pending {
		s.ready.pushBack(e)
	}
	s.mu.Unlock()

	if resumed+failed+len(queued) > 0 {
		s.logger.Info().
			Int("resumed", resumed).
			Int("failed", failed).
			Int("queued", len(queued)).
			Msg("Recovered unfinished jobs")
	}
	return nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/drover/internal/browser"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// outcome is how one attempt ended
type outcome struct {
	status      models.JobStatus // terminal status when the attempt is not retried
	result      *models.JobResult
	err         error
	interrupted bool // scheduler stopping, leave the job running in the store
}

type execResult struct {
	result *models.JobResult
	err    error
}

// runJob drives a job from its first attempt to a terminal state
func (s *Scheduler) runJob(r *run) {
	job, err := s.begin(r)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to start job")
		s.pool.Release(r.lease)
		s.settle(r)
		return
	}
	r.job = job

	attempt := r.entry.attempt
	for {
		out := s.runAttempt(r, attempt)
		r.lease = nil

		if out.interrupted {
			r.logger.Info().Int("attempt", attempt).Msg("Job interrupted by shutdown")
			s.settle(r)
			return
		}
		if !s.retry.ShouldRetry(attempt, job.MaxAttempts, out.err) || r.ctx.Err() != nil {
			s.finalize(r, out)
			return
		}

		backoff := s.retry.CalculateBackoff(attempt)
		r.logger.Warn().
			Err(out.err).
			Int("attempt", attempt).
			Int("max_attempts", job.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Job attempt failed, retrying")
		s.publish(interfaces.EventJobRetrying, map[string]interface{}{
			"job_id":     job.ID,
			"session_id": job.SessionID,
			"attempt":    attempt,
			"reason":     out.err.Error(),
			"backoff":    backoff.String(),
		})

		if err := sleepContext(r.ctx, backoff); err != nil {
			s.finalize(r, s.stoppedOutcome(r))
			return
		}

		lease, err := s.acquire(r.ctx, job.ID)
		if err != nil {
			if r.ctx.Err() != nil {
				s.finalize(r, s.stoppedOutcome(r))
				return
			}
			// No slot will ever come back; the last attempt's failure stands
			r.logger.Error().Err(err).Msg("Cannot retry job, no browser slot available")
			s.finalize(r, out)
			return
		}
		r.lease = lease
		attempt++

		if updated, err := s.recordAttempt(job.ID, attempt, models.NewJobError(out.err)); err != nil {
			r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Failed to record attempt")
		} else {
			job = updated
			r.job = updated
		}
	}
}

// begin moves the job to running (or counts the resumed attempt of a job
// recovered in the running state) and announces it
func (s *Scheduler) begin(r *run) (*models.Job, error) {
	var (
		job *models.Job
		err error
	)
	if r.entry.status == models.JobStatusRunning {
		job, err = s.recordAttempt(r.entry.jobID, r.entry.attempt, &models.JobError{
			Kind:    models.ErrorKindCrashed,
			Message: "interrupted by process restart",
		})
	} else {
		job, err = s.transition(r.entry.jobID, models.JobStatusQueued, models.JobStatusRunning, models.JobUpdate{
			AttemptCount: r.entry.attempt,
		})
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Int("slot_id", r.lease.SlotID()).
		Int("attempt", r.entry.attempt).
		Str("session_id", job.SessionID).
		Msg("Job started")
	s.publish(interfaces.EventJobStarted, map[string]interface{}{
		"job_id":     job.ID,
		"session_id": job.SessionID,
		"slot_id":    r.lease.SlotID(),
		"attempt":    r.entry.attempt,
	})
	return job, nil
}

// runAttempt executes the job once on r.lease. The lease is always given
// back (released or marked crashed) before it returns.
func (s *Scheduler) runAttempt(r *run, attempt int) outcome {
	lease := r.lease
	handle := lease.Context()

	session, err := s.loadSession(r.ctx, r.job.SessionID)
	if err != nil {
		s.pool.Release(lease)
		if r.ctx.Err() != nil {
			return s.stoppedOutcome(r)
		}
		return outcome{status: models.JobStatusFailed, err: fmt.Errorf("failed to load session: %w", err)}
	}
	var (
		state   []byte
		version uint64
	)
	if session != nil {
		state = session.State
		version = session.Version
	}

	if err := s.bounded(r.ctx, r, "reset", func(ctx context.Context) error {
		return s.engine.Reset(ctx, handle, state)
	}); err != nil {
		// A half applied reset cannot be trusted for the next job
		s.pool.MarkCrashed(lease, err)
		if r.ctx.Err() != nil {
			return s.stoppedOutcome(r)
		}
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Restoring session state failed")
		return outcome{status: models.JobStatusFailed, err: asCrash(err)}
	}

	execCtx, cancel := context.WithTimeout(r.ctx, r.job.Timeout)
	defer cancel()

	done := make(chan execResult, 1)
	payload := r.job.Payload
	common.SafeGoWithRecover(r.logger, "scheduler.execute", func() {
		result, err := s.engine.Execute(execCtx, handle, payload)
		done <- execResult{result: result, err: err}
	}, func(recovered any) {
		done <- execResult{err: fmt.Errorf("%w: engine panic: %v", models.ErrContextCrashed, recovered)}
	})

	var res execResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		if r.ctx.Err() == nil {
			return s.timedOut(r, lease)
		}
		return s.awaitCancel(r, lease, done)
	}

	var engineErr *models.EngineError
	switch {
	case res.err == nil:
		return s.succeeded(r, lease, res.result, version)

	case errors.As(res.err, &engineErr):
		s.saveAfterFailure(r, lease, version)
		return outcome{status: models.JobStatusFailed, err: res.err}

	case r.ctx.Err() != nil:
		// Engine honoured the cancellation before the select saw it
		if errors.Is(res.err, models.ErrContextCrashed) {
			s.pool.MarkCrashed(lease, res.err)
		} else {
			s.pool.Release(lease)
		}
		return s.stoppedOutcome(r)

	case errors.Is(res.err, context.DeadlineExceeded):
		return s.timedOut(r, lease)
	}

	r.logger.Warn().Err(res.err).Int("attempt", attempt).Msg("Browser context crashed during job")
	crash := asCrash(res.err)
	s.pool.MarkCrashed(lease, crash)
	return outcome{status: models.JobStatusFailed, err: crash}
}

// timedOut poisons the slot: the engine may still be busy inside it
func (s *Scheduler) timedOut(r *run, lease *browser.Lease) outcome {
	err := fmt.Errorf("%w: job exceeded %s", models.ErrTimeoutExceeded, r.job.Timeout)
	s.pool.MarkCrashed(lease, err)
	return outcome{status: models.JobStatusTimedOut, err: err}
}

// awaitCancel gives the engine CancelGrace to return after cancellation. A
// context that does not return in time is restarted.
func (s *Scheduler) awaitCancel(r *run, lease *browser.Lease, done <-chan execResult) outcome {
	timer := time.NewTimer(s.config.CancelGrace)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, models.ErrContextCrashed) {
			s.pool.MarkCrashed(lease, res.err)
		} else {
			s.pool.Release(lease)
		}
	case <-timer.C:
		r.logger.Warn().
			Dur("cancel_grace", s.config.CancelGrace).
			Msg("Browser context ignored cancellation, restarting it")
		s.pool.MarkCrashed(lease, fmt.Errorf("%w: cancellation not honoured within %s", models.ErrContextCrashed, s.config.CancelGrace))
	}
	return s.stoppedOutcome(r)
}

// succeeded persists the session state produced by the job. The actions have
// already run, so a failed save is final: the job fails with its result kept
// and is never retried.
func (s *Scheduler) succeeded(r *run, lease *browser.Lease, result *models.JobResult, version uint64) outcome {
	if r.job.SessionID == "" {
		s.pool.Release(lease)
		return outcome{status: models.JobStatusSucceeded, result: result}
	}

	if err := s.saveSession(r, lease, version); err != nil {
		if !errors.Is(err, models.ErrVersionConflict) {
			err = fmt.Errorf("%w: %v", models.ErrSessionNotSaved, err)
		}
		r.logger.Warn().Err(err).Msg("Job actions completed but session state was not saved")
		return outcome{status: models.JobStatusFailed, result: result, err: fmt.Errorf("failed to save session: %w", err)}
	}
	return outcome{status: models.JobStatusSucceeded, result: result}
}

// saveAfterFailure keeps state the page set before it reported an error.
// The job has already failed, so save errors are only logged.
func (s *Scheduler) saveAfterFailure(r *run, lease *browser.Lease, version uint64) {
	if r.job.SessionID == "" {
		s.pool.Release(lease)
		return
	}
	if err := s.saveSession(r, lease, version); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to save session state after engine error")
	}
}

// saveSession snapshots the context and writes the state at expectedVersion.
// It gives the lease back.
func (s *Scheduler) saveSession(r *run, lease *browser.Lease, expectedVersion uint64) error {
	detached := context.WithoutCancel(r.ctx)
	var state []byte
	err := s.bounded(detached, r, "snapshot", func(ctx context.Context) error {
		var err error
		state, err = s.engine.Snapshot(ctx, lease.Context())
		return err
	})
	if err != nil {
		s.pool.MarkCrashed(lease, err)
		return asCrash(err)
	}
	s.pool.Release(lease)

	ctx, cancel := context.WithTimeout(detached, s.config.SessionIOTimeout)
	defer cancel()
	version, err := s.sessions.Save(ctx, r.job.SessionID, state, expectedVersion)
	if err != nil {
		return err
	}

	r.logger.Debug().
		Str("session_id", r.job.SessionID).
		Int("version", int(version)).
		Msg("Session state saved")
	s.publish(interfaces.EventSessionSaved, map[string]interface{}{
		"session_id": r.job.SessionID,
		"job_id":     r.job.ID,
		"version":    version,
	})
	return nil
}

// bounded runs an engine call under parent limited to SessionIOTimeout. It
// returns once the deadline passes even if the engine ignores ctx; the caller
// must then treat the slot as crashed.
func (s *Scheduler) bounded(parent context.Context, r *run, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, s.config.SessionIOTimeout)
	defer cancel()

	done := make(chan error, 1)
	common.SafeGoWithRecover(r.logger, "scheduler."+op, func() {
		done <- fn(ctx)
	}, func(recovered any) {
		done <- fmt.Errorf("%w: engine panic during %s: %v", models.ErrContextCrashed, op, recovered)
	})

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return fmt.Errorf("%w: %s exceeded %s: %v", models.ErrContextCrashed, op, s.config.SessionIOTimeout, err)
		}
		return err
	case <-ctx.Done():
		if parent.Err() != nil {
			return parent.Err()
		}
		return fmt.Errorf("%w: %s exceeded %s", models.ErrContextCrashed, op, s.config.SessionIOTimeout)
	}
}

// loadSession returns the stored session, creating an empty one the first
// time an id is referenced. Jobs without a session get nil.
func (s *Scheduler) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.SessionIOTimeout)
	defer cancel()

	session, err := s.sessions.Load(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	version, err := s.sessions.Save(ctx, sessionID, nil, 0)
	if err != nil {
		return nil, err
	}
	return &models.Session{ID: sessionID, Version: version}, nil
}

// stoppedOutcome distinguishes a caller's cancel from scheduler shutdown
func (s *Scheduler) stoppedOutcome(r *run) outcome {
	s.mu.Lock()
	cancelled := r.cancelled
	s.mu.Unlock()
	if cancelled {
		return outcome{status: models.JobStatusCancelled, err: fmt.Errorf("job cancelled: %w", context.Canceled)}
	}
	return outcome{interrupted: true}
}

// finalize writes the terminal transition, frees the session and announces the result
func (s *Scheduler) finalize(r *run, out outcome) {
	if out.interrupted {
		s.settle(r)
		return
	}

	update := models.JobUpdate{Result: out.result, Error: models.NewJobError(out.err)}
	if out.status == models.JobStatusCancelled {
		update.Error = &models.JobError{Kind: models.ErrorKindCancelled, Message: "cancelled while running"}
	}

	job, err := s.transition(r.job.ID, models.JobStatusRunning, out.status, update)
	s.settle(r)
	if err != nil {
		r.logger.Error().Err(err).Str("status", string(out.status)).Msg("Failed to record job outcome")
		return
	}

	event := r.logger.Info()
	if out.err != nil {
		event = r.logger.Warn().Err(out.err)
	}
	event.Str("status", string(job.Status)).
		Int("attempts", job.AttemptCount).
		Msg("Job finished")
	s.publishCompleted(job)
}

// settle forgets the run and hands its session to the next parked job
func (s *Scheduler) settle(r *run) {
	r.cancel()
	s.mu.Lock()
	delete(s.running, r.entry.jobID)
	s.mu.Unlock()
	s.releaseSession(r.entry.sessionID, r.entry.jobID)
}

// recoverRunner settles a job whose runner panicked
func (s *Scheduler) recoverRunner(r *run, recovered any) {
	err := fmt.Errorf("job runner panic: %v", recovered)
	if r.lease != nil {
		s.pool.MarkCrashed(r.lease, err)
	}
	if r.job == nil {
		s.settle(r)
		return
	}
	s.finalize(r, outcome{status: models.JobStatusFailed, err: err})
}

// asCrash makes err classify as a crashed context
func asCrash(err error) error {
	if errors.Is(err, models.ErrContextCrashed) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrContextCrashed, err)
}

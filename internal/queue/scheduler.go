// -----------------------------------------------------------------------
// Job Scheduler - FIFO dispatch of jobs onto browser worker slots
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/browser"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// WorkerPool is the slot checkout the scheduler needs from browser.Pool
type WorkerPool interface {
	Acquire(ctx context.Context, jobID string) (*browser.Lease, error)
	Release(lease *browser.Lease)
	MarkCrashed(lease *browser.Lease, reason error)
}

// Stats is a snapshot of the dispatch queue
type Stats struct {
	Ready   int  `json:"ready"`   // waiting in the FIFO
	Parked  int  `json:"parked"`  // waiting for their session to free up
	Running int  `json:"running"` // holding or retrying on a slot
	Halted  bool `json:"halted"`  // no browser contexts left, dispatch paused
}

// dispatch is the entry the dispatcher is acquiring a slot for
type dispatch struct {
	entry     *entry
	cancel    context.CancelFunc
	cancelled bool
}

// run is a job between slot acquisition and its terminal transition
type run struct {
	entry     *entry
	job       *models.Job
	lease     *browser.Lease
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool // cancelled by a caller rather than by Stop
	logger    arbor.ILogger
}

// Scheduler accepts jobs, orders them FIFO with at most one running job per
// session, and runs each on a slot checked out from the worker pool
type Scheduler struct {
	jobs       interfaces.JobStorage
	sessions   interfaces.SessionStorage
	pool       WorkerPool
	engine     interfaces.BrowserEngine
	events     interfaces.EventService
	config     Config
	retry      *RetryPolicy
	storeRetry *RetryPolicy
	validate   *validator.Validate
	logger     arbor.ILogger

	submitMu    sync.Mutex // keeps persist order equal to queue order
	mu          sync.Mutex
	ready       *readyQueue
	locks       *sessionLocks
	running     map[string]*run
	dispatching *dispatch
	halted      bool
	started     bool
	stopped     bool

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Start must be called before jobs run.
func NewScheduler(
	jobs interfaces.JobStorage,
	sessions interfaces.SessionStorage,
	pool WorkerPool,
	engine interfaces.BrowserEngine,
	events interfaces.EventService,
	config Config,
	logger arbor.ILogger,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:     jobs,
		sessions: sessions,
		pool:     pool,
		engine:   engine,
		events:   events,
		config:   config,
		retry:    NewRetryPolicy(config),
		storeRetry: &RetryPolicy{
			MaxAttempts:       5,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.25,
		},
		validate: validator.New(),
		logger:   logger,
		ready:    newReadyQueue(),
		locks:    newSessionLocks(),
		running:  make(map[string]*run),
		signal:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start re-enqueues jobs left unfinished by a previous process and begins dispatching
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if s.stopped {
		s.mu.Unlock()
		return models.ErrSchedulerStopped
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recoverJobs(ctx); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	s.wg.Add(1)
	common.SafeGo(s.logger, "scheduler.dispatch", s.dispatchLoop)
	s.wake()

	s.logger.Info().
		Dur("default_timeout", s.config.DefaultTimeout).
		Int("max_attempts", s.config.MaxAttempts).
		Msg("Job scheduler started")
	return nil
}

// Stop refuses new submissions, interrupts running jobs and waits for their
// runners to exit. Interrupted jobs stay running in the store and are
// resumed by the next Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, r := range s.running {
		r.cancel()
	}
	if s.dispatching != nil {
		s.dispatching.cancel()
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping job scheduler")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Job scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Submit validates and persists a job, then queues it for dispatch
func (s *Scheduler) Submit(ctx context.Context, req interfaces.SubmitRequest) (*models.Job, error) {
	if req.Payload.IsEmpty() {
		return nil, fmt.Errorf("%w: payload has no url, script or actions", ErrInvalidRequest)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.MaxAttempts
	}
	job := &models.Job{
		ID:          common.NewJobID(),
		SessionID:   req.SessionID,
		Owner:       req.Owner,
		Payload:     req.Payload,
		Timeout:     s.config.clampTimeout(req.Timeout),
		MaxAttempts: maxAttempts,
		Template:    req.Template,
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, models.ErrSchedulerStopped
	}

	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	s.mu.Lock()
	s.ready.pushBack(&entry{
		jobID:     created.ID,
		sessionID: created.SessionID,
		status:    models.JobStatusQueued,
		attempt:   1,
	})
	s.mu.Unlock()
	s.wake()

	s.logger.Info().
		Str("job_id", created.ID).
		Str("session_id", created.SessionID).
		Dur("timeout", created.Timeout).
		Msg("Job queued")
	s.publish(interfaces.EventJobQueued, map[string]interface{}{
		"job_id":     created.ID,
		"session_id": created.SessionID,
		"status":     string(created.Status),
	})

	return created.Redacted(), nil
}

// Cancel stops a job. Queued jobs are cancelled at once; running jobs are
// signalled and reach cancelled once their runner has released the slot.
// Cancelling a finished job returns it unchanged.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	if r, ok := s.running[jobID]; ok {
		r.cancelled = true
		r.cancel()
		s.mu.Unlock()
		r.logger.Info().Msg("Cancel requested for running job")
		return s.Get(ctx, jobID)
	}
	if d := s.dispatching; d != nil && d.entry.jobID == jobID {
		d.cancelled = true
		d.cancel()
		s.mu.Unlock()
		return s.Get(ctx, jobID)
	}
	e := s.ready.remove(jobID)
	if e == nil {
		e = s.locks.removeWaiting(jobID)
	}
	s.mu.Unlock()

	if e != nil {
		return s.cancelEntry(e)
	}

	// Not scheduled by this process: settle a queued record directly
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusQueued {
		return job.Redacted(), nil
	}
	job, err = s.transition(jobID, models.JobStatusQueued, models.JobStatusCancelled, models.JobUpdate{
		Error: &models.JobError{Kind: models.ErrorKindCancelled, Message: "cancelled before start"},
	})
	if err != nil {
		return nil, err
	}
	s.publishCompleted(job)
	return job.Redacted(), nil
}

// Get returns a job by id
func (s *Scheduler) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Redacted(), nil
}

// List returns jobs matching filter
func (s *Scheduler) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, job := range jobs {
		jobs[i] = job.Redacted()
	}
	return jobs, nil
}

// Stats returns queue depths
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Ready:   s.ready.len(),
		Parked:  s.locks.parked(),
		Running: len(s.running),
		Halted:  s.halted,
	}
}

// ErrInvalidRequest marks a submission rejected by validation
var ErrInvalidRequest = errors.New("invalid job request")

// wake nudges the dispatcher without blocking
func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug().Msg("Dispatcher stopped")
			return
		case <-s.signal:
		}
		for s.dispatchNext() {
		}
	}
}

// dispatchNext hands the oldest dispatchable job a worker slot. It blocks
// while the pool is saturated, which keeps slot assignment in FIFO order.
func (s *Scheduler) dispatchNext() bool {
	s.mu.Lock()
	if s.halted || s.stopped {
		s.mu.Unlock()
		return false
	}
	var e *entry
	for {
		e = s.ready.popFront()
		if e == nil {
			s.mu.Unlock()
			return false
		}
		if s.locks.tryLock(e) {
			break
		}
		s.logger.Debug().
			Str("job_id", e.jobID).
			Str("session_id", e.sessionID).
			Msg("Session busy, job parked")
	}
	acquireCtx, cancel := context.WithCancel(s.ctx)
	d := &dispatch{entry: e, cancel: cancel}
	s.dispatching = d
	s.mu.Unlock()

	lease, err := s.acquire(acquireCtx, e.jobID)
	cancel()

	s.mu.Lock()
	s.dispatching = nil
	if d.cancelled {
		s.mu.Unlock()
		if lease != nil {
			s.pool.Release(lease)
		}
		if _, err := s.cancelEntry(e); err != nil {
			s.logger.Warn().Err(err).Str("job_id", e.jobID).Msg("Failed to cancel job")
		}
		return true
	}
	if err != nil {
		s.ready.pushFront(e)
		if errors.Is(err, models.ErrWorkerFatal) {
			s.halted = true
			s.mu.Unlock()
			s.logger.Error().Err(err).Msg("No browser contexts left, job dispatch paused")
			return false
		}
		s.mu.Unlock()
		if s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("job_id", e.jobID).Msg("Failed to acquire browser slot")
		}
		return false
	}

	runCtx, runCancel := context.WithCancel(s.ctx)
	r := &run{
		entry:  e,
		lease:  lease,
		ctx:    runCtx,
		cancel: runCancel,
		logger: s.logger.WithCorrelationId(e.jobID),
	}
	s.running[e.jobID] = r
	s.wg.Add(1)
	s.mu.Unlock()

	// wg.Done is not deferred: after a panic it must wait for recoverRunner
	common.SafeGoWithRecover(s.logger, "scheduler.runJob", func() {
		s.runJob(r)
		s.wg.Done()
	}, func(recovered any) {
		s.recoverRunner(r, recovered)
		s.wg.Done()
	})
	return true
}

// acquire waits for a slot. A configured acquire timeout only bounds each
// wait; the job stays at the head of the queue and waits again.
func (s *Scheduler) acquire(ctx context.Context, jobID string) (*browser.Lease, error) {
	for {
		if s.config.AcquireTimeout <= 0 {
			return s.pool.Acquire(ctx, jobID)
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.config.AcquireTimeout)
		lease, err := s.pool.Acquire(waitCtx, jobID)
		cancel()
		if err == nil || ctx.Err() != nil || !errors.Is(err, models.ErrPoolExhausted) {
			return lease, err
		}
		s.logger.Warn().
			Str("job_id", jobID).
			Dur("acquire_timeout", s.config.AcquireTimeout).
			Msg("Pool exhausted, still waiting for a browser slot")
	}
}

// cancelEntry settles a job that never reached a slot in this attempt
func (s *Scheduler) cancelEntry(e *entry) (*models.Job, error) {
	s.releaseSession(e.sessionID, e.jobID)

	message := "cancelled before start"
	if e.status == models.JobStatusRunning {
		message = "cancelled while waiting to resume"
	}
	job, err := s.transition(e.jobID, e.status, models.JobStatusCancelled, models.JobUpdate{
		Error: &models.JobError{Kind: models.ErrorKindCancelled, Message: message},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("job_id", e.jobID).Msg("Job cancelled")
	s.publishCompleted(job)
	return job.Redacted(), nil
}

// releaseSession frees the session lock held by jobID and moves the next
// parked job of that session to the front of the queue
func (s *Scheduler) releaseSession(sessionID, jobID string) {
	s.mu.Lock()
	next := s.locks.release(sessionID, jobID)
	if next != nil {
		s.ready.pushFront(next)
	}
	s.mu.Unlock()
	if next != nil {
		s.wake()
	}
}

// transition applies a status change, retrying transient store failures.
// It runs detached from the scheduler context so Stop cannot lose a final state.
func (s *Scheduler) transition(jobID string, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	var job *models.Job
	err := s.storeRetry.ExecuteWithRetry(context.Background(), s.logger, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SessionIOTimeout)
		defer cancel()
		var err error
		job, err = s.jobs.Transition(ctx, jobID, from, to, update)
		return err
	})
	return job, err
}

// recordAttempt bumps the attempt count of a running job, retrying transient store failures
func (s *Scheduler) recordAttempt(jobID string, attempt int, lastErr *models.JobError) (*models.Job, error) {
	var job *models.Job
	err := s.storeRetry.ExecuteWithRetry(context.Background(), s.logger, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SessionIOTimeout)
		defer cancel()
		var err error
		job, err = s.jobs.RecordAttempt(ctx, jobID, attempt, lastErr)
		return err
	})
	return job, err
}

func (s *Scheduler) publish(eventType interfaces.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishSync(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

func (s *Scheduler) publishCompleted(job *models.Job) {
	payload := map[string]interface{}{
		"job_id":     job.ID,
		"session_id": job.SessionID,
		"status":     string(job.Status),
		"attempts":   job.AttemptCount,
	}
	if job.Error != nil {
		payload["error_kind"] = string(job.Error.Kind)
		payload["error"] = job.Error.Message
	}
	s.publish(interfaces.EventJobCompleted, payload)
}

var _ interfaces.JobScheduler = (*Scheduler)(nil)

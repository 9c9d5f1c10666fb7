// -----------------------------------------------------------------------
// Cron service - recurring job templates and the session retention sweep
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// RetentionTask is the name the retention sweep is registered under
const RetentionTask = "session-retention"

// TaskStatus is the externally visible state of one cron task
type TaskStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Schedule    string     `json:"schedule"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastJobID   string     `json:"last_job_id,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// task is a registered cron entry with metadata
type task struct {
	name        string
	description string
	schedule    string
	handler     func(ctx context.Context) (string, error) // returns the submitted job id, if any
	cronID      cron.EntryID
	lastRun     *time.Time
	lastJobID   string
	lastError   string
	isRunning   bool
}

// Service runs recurring job templates and housekeeping on cron schedules
type Service struct {
	jobs     interfaces.JobScheduler
	sessions interfaces.SessionStorage
	cron     *cron.Cron
	logger   arbor.ILogger
	now      func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
}

// NewService creates a cron service submitting through jobs
func NewService(jobs interfaces.JobScheduler, sessions interfaces.SessionStorage, logger arbor.ILogger) *Service {
	return &Service{
		jobs:     jobs,
		sessions: sessions,
		cron:     cron.New(),
		logger:   logger,
		now:      time.Now,
		tasks:    make(map[string]*task),
	}
}

// RegisterTemplate schedules a job submission per tick. A tick is skipped
// while the job of the previous tick has not finished.
func (s *Service) RegisterTemplate(tmpl *Template) error {
	if err := tmpl.Validate(); err != nil {
		return err
	}
	if !tmpl.IsEnabled() {
		s.logger.Info().Str("template", tmpl.Name).Msg("Job template disabled, not scheduled")
		return nil
	}
	return s.register(tmpl.Name, tmpl.Schedule, tmpl.Description, func(ctx context.Context) (string, error) {
		return s.submitTemplate(ctx, tmpl)
	})
}

// RegisterRetention schedules deletion of sessions idle for longer than maxIdle
func (s *Service) RegisterRetention(schedule string, maxIdle time.Duration) error {
	if maxIdle <= 0 {
		return fmt.Errorf("retention max_idle must be positive")
	}
	description := fmt.Sprintf("Evict sessions unused for %s", maxIdle)
	return s.register(RetentionTask, schedule, description, func(ctx context.Context) (string, error) {
		evicted, err := SweepSessions(ctx, s.sessions, maxIdle, s.now(), s.logger)
		if err != nil {
			return "", err
		}
		s.logger.Info().Int("evicted", evicted).Dur("max_idle", maxIdle).Msg("Session retention sweep finished")
		return "", nil
	})
}

func (s *Service) register(name, schedule, description string, handler func(ctx context.Context) (string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	cronID, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("failed to add task to cron: %w", err)
	}
	s.tasks[name] = &task{
		name:        name,
		description: description,
		schedule:    schedule,
		handler:     handler,
		cronID:      cronID,
	}

	s.logger.Info().
		Str("task", name).
		Str("schedule", schedule).
		Msg("Cron task registered")
	return nil
}

// Start begins firing registered tasks
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cron service already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Cron service started")
	return nil
}

// Stop halts the cron and waits for running tasks to return
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Cron service stopped")
	return nil
}

// RunNow fires a task immediately, outside its schedule
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, exists := s.tasks[name]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("task %s: %w", name, models.ErrNotFound)
	}
	s.execute(name)
	return nil
}

// Statuses returns every task sorted by name
func (s *Service) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[cron.EntryID]time.Time)
	for _, e := range s.cron.Entries() {
		next[e.ID] = e.Next
	}

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		status := TaskStatus{
			Name:        t.name,
			Description: t.description,
			Schedule:    t.schedule,
			Enabled:     true,
			LastRun:     t.lastRun,
			IsRunning:   t.isRunning,
			LastJobID:   t.lastJobID,
			LastError:   t.lastError,
		}
		if n, ok := next[t.cronID]; ok && !n.IsZero() {
			n := n
			status.NextRun = &n
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// execute wraps a task with overlap protection, panic recovery and status tracking
func (s *Service) execute(name string) {
	s.mu.Lock()
	t, exists := s.tasks[name]
	if !exists {
		s.mu.Unlock()
		s.logger.Warn().Str("task", name).Msg("Cron task not found")
		return
	}
	if t.isRunning {
		s.mu.Unlock()
		s.logger.Debug().Str("task", name).Msg("Cron task still running, skipping tick")
		return
	}
	t.isRunning = true
	handler := t.handler
	s.mu.Unlock()

	started := s.now()
	var (
		jobID string
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		jobID, err = handler(context.Background())
	}()

	finished := s.now()
	s.mu.Lock()
	t.isRunning = false
	t.lastRun = &finished
	if jobID != "" {
		t.lastJobID = jobID
	}
	if err != nil {
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("task", name).
			Err(err).
			Dur("duration", finished.Sub(started)).
			Msg("Cron task failed")
		return
	}
	s.logger.Debug().
		Str("task", name).
		Str("job_id", jobID).
		Dur("duration", finished.Sub(started)).
		Msg("Cron task completed")
}

// submitTemplate submits the template's job unless the previous one is unfinished
func (s *Service) submitTemplate(ctx context.Context, tmpl *Template) (string, error) {
	s.mu.Lock()
	previous := ""
	if t, ok := s.tasks[tmpl.Name]; ok {
		previous = t.lastJobID
	}
	s.mu.Unlock()

	if previous != "" {
		job, err := s.jobs.Get(ctx, previous)
		if err == nil && !job.Status.IsTerminal() {
			s.logger.Info().
				Str("template", tmpl.Name).
				Str("job_id", previous).
				Str("status", string(job.Status)).
				Msg("Previous template job unfinished, skipping tick")
			return "", nil
		}
	}

	job, err := s.jobs.Submit(ctx, tmpl.SubmitRequest())
	if err != nil {
		return "", fmt.Errorf("failed to submit template job: %w", err)
	}
	s.logger.Info().
		Str("template", tmpl.Name).
		Str("job_id", job.ID).
		Msg("Template job submitted")
	return job.ID, nil
}

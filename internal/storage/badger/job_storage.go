package badger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger.
// Job records and their transition log are written in the same transaction.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func transitionID(jobID string, seq int) string {
	return fmt.Sprintf("%s:%06d", jobID, seq)
}

func (s *JobStorage) getTx(txn *badger.Txn, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) appendTransitionTx(txn *badger.Txn, job *models.Job, from models.JobStatus, at time.Time) error {
	count, err := s.db.Store().TxCount(txn, &models.JobTransition{}, badgerhold.Where("JobID").Eq(job.ID))
	if err != nil {
		return fmt.Errorf("failed to count transitions: %w", err)
	}
	seq := int(count) + 1
	entry := &models.JobTransition{
		ID:      transitionID(job.ID, seq),
		JobID:   job.ID,
		Seq:     seq,
		From:    from,
		To:      job.Status,
		Attempt: job.AttemptCount,
		At:      at,
	}
	return s.db.Store().TxInsert(txn, entry.ID, entry)
}

func (s *JobStorage) lastTransitionTx(txn *badger.Txn, jobID string) (*models.JobTransition, error) {
	var entries []models.JobTransition
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("Seq").Reverse().Limit(1)
	if err := s.db.Store().TxFind(txn, &entries, query); err != nil {
		return nil, fmt.Errorf("failed to read transitions: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *JobStorage) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	record := job.Clone()
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = record.CreatedAt
	record.Status = models.JobStatusQueued
	record.AttemptCount = 0
	record.StartedAt = nil
	record.FinishedAt = nil
	record.Result = nil
	record.Error = nil

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := s.db.Store().TxInsert(txn, record.ID, record); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				return fmt.Errorf("job %s already exists", record.ID)
			}
			return err
		}
		return s.appendTransitionTx(txn, record, "", record.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return record, nil
}

// alreadyApplied reports whether the stored job already reflects update
func alreadyApplied(job *models.Job, update models.JobUpdate) bool {
	if update.Result != nil && !reflect.DeepEqual(job.Result, update.Result) {
		return false
	}
	if update.Error != nil && !reflect.DeepEqual(job.Error, update.Error) {
		return false
	}
	if update.AttemptCount > 0 && job.AttemptCount != update.AttemptCount {
		return false
	}
	return true
}

func (s *JobStorage) Transition(ctx context.Context, jobID string, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	var result *models.Job
	noop := false

	err := s.db.Update(func(txn *badger.Txn) error {
		noop = false
		job, err := s.getTx(txn, jobID)
		if err != nil {
			return err
		}

		if job.Status == to && job.Status != from {
			last, err := s.lastTransitionTx(txn, jobID)
			if err != nil {
				return err
			}
			if last != nil && last.From == from && alreadyApplied(job, update) {
				noop = true
				result = job
				return nil
			}
			return fmt.Errorf("%w: job %s is already %s with different fields", models.ErrInvalidTransition, jobID, to)
		}
		if job.Status != from {
			return fmt.Errorf("%w: job %s is %s, not %s", models.ErrInvalidTransition, jobID, job.Status, from)
		}
		if !models.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
		}

		at := update.At
		if at.IsZero() {
			at = time.Now()
		}

		job.Status = to
		job.UpdatedAt = at
		if update.AttemptCount > 0 {
			job.AttemptCount = update.AttemptCount
		}
		if update.Result != nil {
			job.Result = update.Result
		}
		if update.Error != nil {
			job.Error = update.Error
		}
		if to == models.JobStatusRunning && job.StartedAt == nil {
			job.StartedAt = &at
		}
		if to.IsTerminal() {
			job.FinishedAt = &at
		}

		if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
		if err := s.appendTransitionTx(txn, job, from, at); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	if noop {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("status", string(to)).
			Msg("Transition already applied, ignoring")
	}
	return result, nil
}

func (s *JobStorage) RecordAttempt(ctx context.Context, jobID string, attempt int, lastErr *models.JobError) (*models.Job, error) {
	var result *models.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		job, err := s.getTx(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobStatusRunning {
			return fmt.Errorf("%w: attempts are only recorded on running jobs, job %s is %s",
				models.ErrInvalidTransition, jobID, job.Status)
		}

		job.AttemptCount = attempt
		if lastErr != nil {
			job.LastError = lastErr
		}
		job.UpdatedAt = time.Now()

		if err := s.db.Store().TxUpsert(txn, job.ID, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *JobStorage) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.SessionID != "" {
		query = query.And("SessionID").Eq(filter.SessionID)
	}
	if filter.Owner != "" {
		query = query.And("Owner").Eq(filter.Owner)
	}

	query = query.SortBy("CreatedAt", "ID")
	if filter.Newest {
		query = query.Reverse()
	}
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) Transitions(ctx context.Context, jobID string) ([]*models.JobTransition, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}

	var entries []models.JobTransition
	if err := s.db.Store().Find(&entries, badgerhold.Where("JobID").Eq(jobID).SortBy("Seq")); err != nil {
		return nil, fmt.Errorf("failed to get transitions: %w", err)
	}

	result := make([]*models.JobTransition, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

func (s *JobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	statuses := []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusSucceeded,
		models.JobStatusFailed,
		models.JobStatusTimedOut,
		models.JobStatusCancelled,
	}

	counts := make(map[models.JobStatus]int, len(statuses))
	for _, status := range statuses {
		n, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s jobs: %w", status, err)
		}
		counts[status] = int(n)
	}
	return counts, nil
}

package interfaces

import (
	"context"

	"github.com/ternarybob/drover/internal/models"
)

// SessionStorage persists serialized browser state keyed by session id.
// Save is atomic: a crash leaves either the old or the new blob readable.
type SessionStorage interface {
	// Load returns models.ErrNotFound for unknown ids
	Load(ctx context.Context, sessionID string) (*models.Session, error)

	// Save writes state if the stored version equals expectedVersion (0 = not yet stored)
	// and returns the new version. A mismatch returns models.ErrVersionConflict and
	// leaves the stored blob untouched.
	Save(ctx context.Context, sessionID string, state []byte, expectedVersion uint64) (uint64, error)

	// Delete evicts a session. Returns models.ErrNotFound for unknown ids.
	Delete(ctx context.Context, sessionID string) error

	// List returns all sessions without their state blobs
	List(ctx context.Context) ([]*models.Session, error)

	Close() error
}

// JobStorage persists job records and their append-only transition history
type JobStorage interface {
	// Create persists a new job in the queued state
	Create(ctx context.Context, job *models.Job) (*models.Job, error)

	// Transition moves a job from -> to and applies update. Re-applying a transition
	// that is already stored with identical fields is a no-op.
	Transition(ctx context.Context, jobID string, from, to models.JobStatus, update models.JobUpdate) (*models.Job, error)

	// RecordAttempt updates attempt bookkeeping of a running job
	RecordAttempt(ctx context.Context, jobID string, attempt int, lastErr *models.JobError) (*models.Job, error)

	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Transitions(ctx context.Context, jobID string) ([]*models.JobTransition, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// StorageManager owns the durable stores
type StorageManager interface {
	JobStorage() JobStorage
	SessionStorage() SessionStorage
	Close() error
}

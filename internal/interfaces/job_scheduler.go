package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/drover/internal/models"
)

// SubmitRequest is the input of JobScheduler.Submit
type SubmitRequest struct {
	Payload     models.JobPayload `json:"payload"`
	SessionID   string            `json:"session_id,omitempty" validate:"omitempty,max=256"`
	Owner       string            `json:"owner,omitempty" validate:"omitempty,max=256"`
	Timeout     time.Duration     `json:"timeout,omitempty" validate:"gte=0"`
	MaxAttempts int               `json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	Template    string            `json:"-"`
}

// JobScheduler is consumed by the API layer
type JobScheduler interface {
	Submit(ctx context.Context, req SubmitRequest) (*models.Job, error)
	Cancel(ctx context.Context, jobID string) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
}

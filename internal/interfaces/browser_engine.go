package interfaces

import (
	"context"

	"github.com/ternarybob/drover/internal/models"
)

// BrowserContext is an opaque handle to one browser execution context
type BrowserContext interface {
	ID() string
}

// BrowserEngine is the browser capability the worker pool drives.
//
// Execute returns *models.EngineError for failures the page reported while the
// context stayed usable. Any other error (including models.ErrContextCrashed)
// means the context must be restarted before reuse.
type BrowserEngine interface {
	OpenContext(ctx context.Context, initialState []byte) (BrowserContext, error)
	Reset(ctx context.Context, handle BrowserContext, state []byte) error
	Execute(ctx context.Context, handle BrowserContext, payload models.JobPayload) (*models.JobResult, error)
	Snapshot(ctx context.Context, handle BrowserContext) ([]byte, error)
	Close(handle BrowserContext) error
}

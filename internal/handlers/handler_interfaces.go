package handlers

import (
	"github.com/ternarybob/drover/internal/models"
	"github.com/ternarybob/drover/internal/queue"
	"github.com/ternarybob/drover/internal/services/scheduler"
)

// PoolStatsProvider reports worker slot state.
type PoolStatsProvider interface {
	Stats() models.PoolStats
}

// DispatchStatsProvider reports the scheduler's in-memory queue.
type DispatchStatsProvider interface {
	Stats() queue.Stats
}

// CronController lists and triggers cron tasks.
type CronController interface {
	Statuses() []scheduler.TaskStatus
	RunNow(name string) error
}

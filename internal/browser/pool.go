// -----------------------------------------------------------------------
// Browser Worker Pool - fixed set of browser contexts checked out per job
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/drover/internal/common"
	"github.com/ternarybob/drover/internal/interfaces"
	"github.com/ternarybob/drover/internal/models"
)

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	Size            int
	RestartAttempts int
	RestartBackoff  time.Duration
	OpenTimeout     time.Duration
	CloseTimeout    time.Duration
}

// NewPoolConfig converts the [pool] section
func NewPoolConfig(cfg common.PoolConfig) PoolConfig {
	return PoolConfig{
		Size:            cfg.Size,
		RestartAttempts: cfg.RestartAttempts,
		RestartBackoff:  common.ParseDuration(cfg.RestartBackoff, time.Second),
		OpenTimeout:     common.ParseDuration(cfg.OpenTimeout, 30*time.Second),
		CloseTimeout:    common.ParseDuration(cfg.CloseTimeout, 10*time.Second),
	}
}

// Slot is one pooled browser context. Jobs hold it between Acquire and
// Release/MarkCrashed and must not keep the handle afterwards.
type Slot struct {
	id       int
	handle   interfaces.BrowserContext
	state    models.SlotState
	jobID    string
	restarts int
	lastErr  string
	changed  time.Time
	lease    uint64 // bumped on every acquire, stale Release/MarkCrashed calls are ignored
}

// Lease is the checked-out view of a slot handed to a job
type Lease struct {
	slot   *Slot
	lease  uint64
	handle interfaces.BrowserContext
}

// SlotID returns the slot number
func (l *Lease) SlotID() int { return l.slot.id }

// Context returns the browser context handle of the slot
func (l *Lease) Context() interfaces.BrowserContext { return l.handle }

// Pool owns a fixed number of browser execution contexts.
// At most Size contexts exist at any time: a restart closes the old
// context before opening its replacement.
type Pool struct {
	engine interfaces.BrowserEngine
	config PoolConfig
	events interfaces.EventService
	logger arbor.ILogger

	mu          sync.Mutex
	slots       []*Slot
	wake        chan struct{} // closed and replaced whenever a slot may have become available
	inFlight    int
	maxInFlight int
	started     bool
	closed      bool
	restarts    sync.WaitGroup
	stop        chan struct{}
}

// NewPool creates a pool; Start opens the browser contexts
func NewPool(engine interfaces.BrowserEngine, config PoolConfig, events interfaces.EventService, logger arbor.ILogger) *Pool {
	if config.RestartAttempts <= 0 {
		config.RestartAttempts = 1
	}
	return &Pool{
		engine: engine,
		config: config,
		events: events,
		logger: logger,
		wake:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// Start opens Size contexts. Slots that fail to open are restarted in the
// background; Start fails only when no context could be opened at all.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("browser pool already started")
	}
	if p.config.Size <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("pool size must be greater than 0, got: %d", p.config.Size)
	}
	p.started = true
	p.mu.Unlock()

	if p.config.Size > 20 {
		p.logger.Warn().
			Int("pool_size", p.config.Size).
			Msg("Large browser pool size detected - this may consume significant memory")
	}

	p.logger.Info().
		Int("pool_size", p.config.Size).
		Int("restart_attempts", p.config.RestartAttempts).
		Msg("Initializing browser worker pool")

	slots := make([]*Slot, p.config.Size)
	var failed []*Slot
	var lastErr error
	for i := range slots {
		slot := &Slot{id: i, state: models.SlotStateIdle, changed: time.Now()}
		handle, err := p.open(ctx)
		if err != nil {
			lastErr = err
			slot.state = models.SlotStateCrashed
			slot.lastErr = err.Error()
			failed = append(failed, slot)
			p.logger.Warn().Err(err).Int("slot_id", i).Msg("Failed to open browser context")
		}
		slot.handle = handle
		slots[i] = slot
	}

	if len(failed) == len(slots) {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return fmt.Errorf("failed to open any browser context, last error: %w", lastErr)
	}

	p.mu.Lock()
	p.slots = slots
	p.broadcastLocked()
	p.mu.Unlock()

	for _, slot := range failed {
		p.scheduleRestart(slot)
	}

	p.logger.Info().
		Int("contexts_opened", len(slots)-len(failed)).
		Int("requested", p.config.Size).
		Msg("Browser worker pool initialized")
	return nil
}

func (p *Pool) open(ctx context.Context) (interfaces.BrowserContext, error) {
	openCtx := ctx
	if p.config.OpenTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, p.config.OpenTimeout)
		defer cancel()
	}
	return p.engine.OpenContext(openCtx, nil)
}

// close tears down a context, waiting at most CloseTimeout so a wedged
// browser cannot block the caller. The returned channel is closed once the
// engine has actually released the context.
func (p *Pool) close(slotID int, handle interfaces.BrowserContext) <-chan struct{} {
	finished := make(chan struct{})
	if handle == nil {
		close(finished)
		return finished
	}
	done := make(chan error, 1)
	go func() {
		err := p.engine.Close(handle)
		close(finished)
		done <- err
	}()

	timeout := p.config.CloseTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case err := <-done:
		if err != nil {
			p.logger.Warn().Err(err).Int("slot_id", slotID).Msg("Failed to close browser context")
		}
	case <-time.After(timeout):
		p.logger.Warn().Int("slot_id", slotID).Dur("timeout", timeout).Msg("Browser context close timed out")
	}
	return finished
}

func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) capacityLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.state != models.SlotStateRemoved {
			n++
		}
	}
	return n
}

func (p *Pool) setStateLocked(slot *Slot, state models.SlotState) models.SlotInfo {
	slot.state = state
	slot.changed = time.Now()
	return slot.info()
}

func (s *Slot) info() models.SlotInfo {
	return models.SlotInfo{
		ID:           s.id,
		State:        s.state,
		JobID:        s.jobID,
		Restarts:     s.restarts,
		LastError:    s.lastErr,
		StateChanged: s.changed,
	}
}

func (p *Pool) publishState(info models.SlotInfo) {
	if p.events == nil {
		return
	}
	payload := map[string]interface{}{
		"slot_id":  info.ID,
		"state":    string(info.State),
		"job_id":   info.JobID,
		"restarts": info.Restarts,
	}
	if info.LastError != "" {
		payload["reason"] = info.LastError
	}
	// Sync keeps per-slot transitions in order for subscribers
	_ = p.events.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventSlotState, Payload: payload})
}

// Acquire blocks until a slot is Idle and checks it out for jobID.
// When ctx ends first the error wraps models.ErrPoolExhausted and ctx.Err().
// Returns models.ErrWorkerFatal once every slot has been removed.
func (p *Pool) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, models.ErrPoolClosed
		}
		if !p.started {
			p.mu.Unlock()
			return nil, fmt.Errorf("browser pool not started")
		}
		if p.capacityLocked() == 0 {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: no browser contexts left in rotation", models.ErrWorkerFatal)
		}

		for _, slot := range p.slots {
			if slot.state != models.SlotStateIdle {
				continue
			}
			slot.jobID = jobID
			slot.lease++
			info := p.setStateLocked(slot, models.SlotStateBusy)
			p.inFlight++
			if p.inFlight > p.maxInFlight {
				p.maxInFlight = p.inFlight
			}
			lease := &Lease{slot: slot, lease: slot.lease, handle: slot.handle}
			p.mu.Unlock()

			p.logger.Debug().Int("slot_id", slot.id).Str("job_id", jobID).Msg("Browser slot acquired")
			p.publishState(info)
			return lease, nil
		}

		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", models.ErrPoolExhausted, ctx.Err())
		}
	}
}

// checkLeaseLocked reports whether lease still owns its slot
func (p *Pool) checkLeaseLocked(lease *Lease) bool {
	return lease != nil && lease.slot.lease == lease.lease && lease.slot.state == models.SlotStateBusy
}

// Release returns a healthy slot to Idle
func (p *Pool) Release(lease *Lease) {
	p.mu.Lock()
	if !p.checkLeaseLocked(lease) {
		p.mu.Unlock()
		p.logger.Warn().Msg("Ignoring release of a slot that is no longer leased")
		return
	}
	slot := lease.slot
	slot.jobID = ""
	slot.lease++
	p.inFlight--
	info := p.setStateLocked(slot, models.SlotStateIdle)
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Debug().Int("slot_id", slot.id).Msg("Browser slot released")
	p.publishState(info)
}

// MarkCrashed takes a poisoned slot out of use and restarts it asynchronously.
// The slot is not handed out again until the restart has succeeded.
func (p *Pool) MarkCrashed(lease *Lease, reason error) {
	p.mu.Lock()
	if !p.checkLeaseLocked(lease) {
		p.mu.Unlock()
		p.logger.Warn().Msg("Ignoring crash report for a slot that is no longer leased")
		return
	}
	slot := lease.slot
	slot.lease++
	p.inFlight--
	if reason != nil {
		slot.lastErr = reason.Error()
	}
	info := p.setStateLocked(slot, models.SlotStateCrashed)
	p.mu.Unlock()

	p.logger.Warn().
		Int("slot_id", slot.id).
		Str("job_id", info.JobID).
		Str("reason", info.LastError).
		Msg("Browser slot marked crashed, scheduling restart")
	p.publishState(info)

	p.scheduleRestart(slot)
}

func (p *Pool) scheduleRestart(slot *Slot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.restarts.Add(1)
	p.mu.Unlock()

	common.SafeGo(p.logger, fmt.Sprintf("restartSlot:%d", slot.id), func() {
		defer p.restarts.Done()
		p.restart(slot)
	})
}

// restart closes the old context and opens a new one with bounded attempts.
// A slot that cannot be restarted is removed and reported as worker_fatal.
func (p *Pool) restart(slot *Slot) {
	p.mu.Lock()
	old := slot.handle
	slot.handle = nil
	slot.jobID = ""
	info := p.setStateLocked(slot, models.SlotStateRestarting)
	p.mu.Unlock()
	p.publishState(info)

	// The replacement is only opened once the old context is gone, so the
	// engine never holds more than Size contexts
	closed := p.close(slot.id, old)
	select {
	case <-closed:
	default:
		p.logger.Warn().Int("slot_id", slot.id).Msg("Waiting for the old browser context to exit before replacing it")
		select {
		case <-closed:
		case <-p.stop:
			return
		}
	}

	backoff := p.config.RestartBackoff
	var lastErr error
	for attempt := 1; attempt <= p.config.RestartAttempts; attempt++ {
		select {
		case <-p.stop:
			return
		default:
		}

		handle, err := p.open(context.Background())
		if err == nil {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.close(slot.id, handle)
				return
			}
			slot.handle = handle
			slot.restarts++
			slot.lastErr = ""
			info := p.setStateLocked(slot, models.SlotStateIdle)
			p.broadcastLocked()
			p.mu.Unlock()

			p.logger.Info().
				Int("slot_id", slot.id).
				Int("attempt", attempt).
				Int("restarts", info.Restarts).
				Msg("Browser slot restarted")
			p.publishState(info)
			return
		}

		lastErr = err
		p.logger.Warn().
			Err(err).
			Int("slot_id", slot.id).
			Int("attempt", attempt).
			Int("max_attempts", p.config.RestartAttempts).
			Msg("Browser slot restart failed")

		if attempt < p.config.RestartAttempts && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-p.stop:
				return
			}
			backoff *= 2
		}
	}

	p.mu.Lock()
	slot.lastErr = fmt.Sprintf("restart failed after %d attempts: %v", p.config.RestartAttempts, lastErr)
	info = p.setStateLocked(slot, models.SlotStateRemoved)
	capacity := p.capacityLocked()
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Error().
		Int("slot_id", slot.id).
		Int("capacity", capacity).
		Str("reason", info.LastError).
		Msg("Browser slot removed from rotation")
	p.publishState(info)

	if p.events != nil {
		_ = p.events.Publish(context.Background(), interfaces.Event{
			Type: interfaces.EventWorkerFatal,
			Payload: map[string]interface{}{
				"slot_id":  slot.id,
				"capacity": capacity,
				"reason":   info.LastError,
			},
		})
	}
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := models.PoolStats{
		Size:        p.config.Size,
		Capacity:    p.capacityLocked(),
		InFlight:    p.inFlight,
		MaxInFlight: p.maxInFlight,
		Slots:       make([]models.SlotInfo, 0, len(p.slots)),
	}
	for _, slot := range p.slots {
		switch slot.state {
		case models.SlotStateIdle:
			stats.Idle++
		case models.SlotStateBusy:
			stats.Busy++
		case models.SlotStateCrashed, models.SlotStateRestarting:
			stats.Restarting++
		case models.SlotStateRemoved:
			stats.Removed++
		}
		stats.Slots = append(stats.Slots, slot.info())
	}
	return stats
}

// Shutdown stops restarts and closes every context. Leased slots are closed
// too; their jobs see the context go away.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.broadcastLocked()
	p.mu.Unlock()

	startTime := time.Now()
	done := make(chan struct{})
	go func() {
		p.restarts.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("Browser pool shutdown timed out waiting for restarts")
	}

	p.mu.Lock()
	handles := make(map[int]interfaces.BrowserContext, len(p.slots))
	for _, slot := range p.slots {
		if slot.handle != nil {
			handles[slot.id] = slot.handle
			slot.handle = nil
		}
		p.setStateLocked(slot, models.SlotStateRemoved)
	}
	p.inFlight = 0
	p.mu.Unlock()

	for id, handle := range handles {
		p.close(id, handle)
	}

	p.logger.Info().
		Int("contexts_closed", len(handles)).
		Dur("shutdown_time", time.Since(startTime)).
		Msg("Browser worker pool shut down")
	return nil
}

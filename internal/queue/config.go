package queue

import (
	"time"

	"github.com/ternarybob/drover/internal/common"
)

// MinTimeout is the lower clamp for a job's execution timeout
const MinTimeout = time.Second

// Config holds the scheduler settings in parsed form
type Config struct {
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryMaxBackoff  time.Duration
	CancelGrace      time.Duration
	AcquireTimeout   time.Duration // 0 = wait for a slot indefinitely
	SessionIOTimeout time.Duration
}

// NewDefaultConfig returns the built-in scheduler settings
func NewDefaultConfig() Config {
	return Config{
		DefaultTimeout:   60 * time.Second,
		MaxTimeout:       10 * time.Minute,
		MaxAttempts:      3,
		RetryBackoff:     5 * time.Second,
		RetryMaxBackoff:  2 * time.Minute,
		CancelGrace:      5 * time.Second,
		SessionIOTimeout: 10 * time.Second,
	}
}

// NewConfig converts the [scheduler] section
func NewConfig(cfg common.SchedulerConfig) Config {
	def := NewDefaultConfig()
	c := Config{
		DefaultTimeout:   common.ParseDuration(cfg.DefaultTimeout, def.DefaultTimeout),
		MaxTimeout:       common.ParseDuration(cfg.MaxTimeout, def.MaxTimeout),
		MaxAttempts:      cfg.MaxAttempts,
		RetryBackoff:     common.ParseDuration(cfg.RetryBackoff, def.RetryBackoff),
		RetryMaxBackoff:  common.ParseDuration(cfg.RetryMaxBackoff, def.RetryMaxBackoff),
		CancelGrace:      common.ParseDuration(cfg.CancelGrace, def.CancelGrace),
		AcquireTimeout:   common.ParseDuration(cfg.AcquireTimeout, 0),
		SessionIOTimeout: common.ParseDuration(cfg.SessionIOTime, def.SessionIOTimeout),
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// clampTimeout maps a requested timeout onto [MinTimeout, MaxTimeout]
func (c Config) clampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = c.DefaultTimeout
	}
	if requested < MinTimeout {
		return MinTimeout
	}
	if c.MaxTimeout > 0 && requested > c.MaxTimeout {
		return c.MaxTimeout
	}
	return requested
}

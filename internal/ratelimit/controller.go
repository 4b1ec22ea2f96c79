// Package ratelimit turns server throttling signals into caller wait times.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xenoscan/internal/model"
)

type Config struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Multiplier        float64
	CooldownThreshold int
}

func DefaultConfig() Config {
	return Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		Multiplier:        2.0,
		CooldownThreshold: 100,
	}
}

func (c Config) Validate() error {
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %s", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff %s is below initial backoff %s", c.MaxBackoff, c.InitialBackoff)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", c.Multiplier)
	}
	if c.CooldownThreshold <= 0 {
		return fmt.Errorf("cooldown threshold must be positive, got %d", c.CooldownThreshold)
	}
	return nil
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Option func(*Controller)

func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers a callback that receives every state change. It is
// called with the controller mutex released.
func WithObserver(fn func(model.RateLimiterState)) Option {
	return func(c *Controller) {
		c.observe = fn
	}
}

// Controller is the process-wide adaptive backoff state. Every method is safe
// for concurrent use.
type Controller struct {
	cfg     Config
	sleep   SleepFunc
	logger  *slog.Logger
	observe func(model.RateLimiterState)

	mu                   sync.Mutex
	throttled            bool
	backoff              time.Duration
	throttleCount        int
	consecutiveSuccesses int

	// waitMu serializes clearance sleeps so one waiter probes at a time
	// while mu stays free for reporters.
	waitMu sync.Mutex
}

func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		sleep:   Sleep,
		logger:  slog.Default(),
		backoff: cfg.InitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AwaitClearance blocks for the current backoff when the remote side is
// throttling, then lets the caller through as a probe. The backoff itself is
// not reduced here.
func (c *Controller) AwaitClearance(ctx context.Context) error {
	c.mu.Lock()
	throttled := c.throttled
	c.mu.Unlock()
	if !throttled {
		return ctx.Err()
	}

	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	c.mu.Lock()
	throttled, backoff := c.throttled, c.backoff
	c.mu.Unlock()
	if !throttled {
		return ctx.Err()
	}

	c.logger.Debug("rate limited, waiting", "backoff", backoff)
	if err := c.sleep(ctx, backoff); err != nil {
		return err
	}

	c.mu.Lock()
	c.throttled = false
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
	return nil
}

func (c *Controller) ReportThrottled() {
	c.mu.Lock()
	c.throttled = true
	c.throttleCount++
	c.consecutiveSuccesses = 0
	next := c.cfg.MaxBackoff
	if grown := float64(c.backoff) * c.cfg.Multiplier; grown < float64(c.cfg.MaxBackoff) {
		next = time.Duration(grown)
	}
	c.backoff = next
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Warn("remote service throttling", "backoff", next, "throttle_count", snap.ThrottleCount)
	c.notify(snap)
}

func (c *Controller) ReportSuccess() {
	c.mu.Lock()
	c.consecutiveSuccesses++
	reset := false
	if c.consecutiveSuccesses >= c.cfg.CooldownThreshold && c.backoff != c.cfg.InitialBackoff {
		c.backoff = c.cfg.InitialBackoff
		reset = true
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if reset {
		c.logger.Info("rate limit cooldown reached, backoff reset", "backoff", c.cfg.InitialBackoff)
	}
	c.notify(snap)
}

func (c *Controller) Snapshot() model.RateLimiterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Restore loads a snapshot saved by a previous run. The backoff is clamped to
// the configured bounds.
func (c *Controller) Restore(s model.RateLimiterState) {
	backoff := c.cfg.InitialBackoff
	switch ns := s.BackoffSeconds * float64(time.Second); {
	case ns >= float64(c.cfg.MaxBackoff):
		backoff = c.cfg.MaxBackoff
	case ns > float64(c.cfg.InitialBackoff):
		backoff = time.Duration(ns)
	}
	c.mu.Lock()
	c.throttled = s.IsThrottled
	c.backoff = backoff
	c.throttleCount = max(s.ThrottleCount, 0)
	c.consecutiveSuccesses = max(s.ConsecutiveSuccesses, 0)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

func (c *Controller) snapshotLocked() model.RateLimiterState {
	return model.RateLimiterState{
		IsThrottled:          c.throttled,
		BackoffSeconds:       c.backoff.Seconds(),
		ThrottleCount:        c.throttleCount,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
	}
}

func (c *Controller) notify(s model.RateLimiterState) {
	if c.observe != nil {
		c.observe(s)
	}
}

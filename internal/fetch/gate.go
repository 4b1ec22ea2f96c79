package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"xenoscan/internal/lightcurve"
	"xenoscan/internal/model"
	"xenoscan/internal/ratelimit"
)

// MaxIOWorkers is the hard ceiling on concurrent archive connections.
const MaxIOWorkers = 15

// Attempt results passed to the attempt hook.
const (
	AttemptOK        = "ok"
	AttemptThrottled = "throttled"
	AttemptNotFound  = "not_found"
	AttemptCorrupt   = "corrupt"
	AttemptTimeout   = "timeout"
	AttemptError     = "error"
)

type GateConfig struct {
	MaxIOWorkers int
	// Timeout bounds a single attempt, search and segment downloads included.
	Timeout time.Duration
	Retry   RetryPolicy
	// RequestsPerSecond paces attempts steadily; 0 disables pacing.
	RequestsPerSecond float64
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxIOWorkers: 2,
		Timeout:      180 * time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

type GateOption func(*Gate)

func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithClock(now func() time.Time, sleep ratelimit.SleepFunc) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

func WithRecovery(p RecoveryPolicy) GateOption {
	return func(g *Gate) {
		if p != nil {
			g.recovery = p
		}
	}
}

// WithAttemptHook reports the classification of every finished attempt.
func WithAttemptHook(fn func(result string)) GateOption {
	return func(g *Gate) { g.onAttempt = fn }
}

// WithInFlightHook reports the number of fetches holding a slot.
func WithInFlightHook(fn func(n int)) GateOption {
	return func(g *Gate) { g.onInFlight = fn }
}

// Gate bounds concurrent fetches and wraps each one with throttling
// feedback, retries and cache recovery.
type Gate struct {
	src      Source
	rc       *ratelimit.Controller
	cache    *Cache
	cfg      GateConfig
	sem      *semaphore.Weighted
	pacer    *rate.Limiter
	recovery RecoveryPolicy
	logger   *slog.Logger
	now      func() time.Time
	sleep    ratelimit.SleepFunc

	onAttempt  func(string)
	onInFlight func(int)

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func NewGate(src Source, rc *ratelimit.Controller, cache *Cache, cfg GateConfig, opts ...GateOption) *Gate {
	if cfg.MaxIOWorkers <= 0 {
		cfg.MaxIOWorkers = 1
	}
	if cfg.MaxIOWorkers > MaxIOWorkers {
		cfg.MaxIOWorkers = MaxIOWorkers
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 1
	}
	g := &Gate{
		src:    src,
		rc:     rc,
		cache:  cache,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxIOWorkers)),
		logger: slog.Default(),
		now:    time.Now,
		sleep:  ratelimit.Sleep,
	}
	if cfg.RequestsPerSecond > 0 {
		g.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.recovery == nil {
		g.recovery = CacheRecovery{Cache: cache, Logger: g.logger}
	}
	return g
}

// MaxObservedInFlight is the highest number of simultaneous fetches seen.
func (g *Gate) MaxObservedInFlight() int { return int(g.maxInFlight.Load()) }

// Fetch acquires one target. It never panics and never returns an error;
// failures are described by the result.
func (g *Gate) Fetch(ctx context.Context, targetID string, q Query) (res model.FetchResult) {
	start := g.now()
	res.TargetID = targetID
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Error = fmt.Sprintf("fetch panic: %v", r)
		}
		res.Elapsed = g.now().Sub(start)
	}()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		res.Error = fmt.Sprintf("wait for fetch slot: %v", err)
		return res
	}
	g.enter()
	defer func() {
		g.leave()
		g.sem.Release(1)
	}()

	var lastErr error
	for attempt := 1; attempt <= g.cfg.Retry.Attempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			g.recovery.BeforeRetry(targetID)
		}
		if err := g.rc.AwaitClearance(ctx); err != nil {
			lastErr = err
			break
		}
		if g.pacer != nil {
			if err := g.pacer.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		out, err := g.attempt(ctx, targetID, q)
		if err == nil {
			res.Success = true
			res.DatasetPath = out.path
			res.NPoints = out.series.Len()
			res.SpanDays = out.series.SpanDays()
			res.SegmentsObtained = out.obtained
			res.SegmentsTotal = out.total
			g.logger.Debug("fetch complete", "target_id", targetID, "attempt", attempt,
				"segments", fmt.Sprintf("%d/%d", out.obtained, out.total), "n_points", res.NPoints)
			return res
		}

		lastErr = err
		res.SegmentsTotal = out.total
		g.recovery.OnError(targetID, err)
		if errors.Is(err, ErrNotFound) {
			res.NotFound = true
			break
		}
		if !g.cfg.Retry.ShouldRetry(attempt, err) || ctx.Err() != nil {
			break
		}
		delay := g.cfg.Retry.Delay(attempt)
		g.logger.Warn("fetch attempt failed, retrying", "target_id", targetID, "attempt", attempt,
			"retry_in", delay, "error", err)
		if err := g.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	res.Success = false
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	return res
}

type attemptOutput struct {
	path     string
	series   lightcurve.Series
	obtained int
	total    int
}

func (g *Gate) attempt(ctx context.Context, targetID string, q Query) (attemptOutput, error) {
	actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	segs, err := g.src.Search(actx, targetID, q)
	g.report(err)
	if err != nil {
		return attemptOutput{}, err
	}

	out := attemptOutput{total: len(segs)}
	parts := make([]lightcurve.Series, 0, len(segs))
	var lastErr error
	for _, seg := range segs {
		s, hit, err := g.cache.ReadSegment(targetID, seg.ID)
		if err != nil {
			g.report(err)
			return out, err
		}
		if hit {
			parts = append(parts, s)
			continue
		}

		data, err := g.src.Download(actx, seg)
		if err == nil {
			s, err = lightcurve.Parse(data)
			if errors.Is(err, lightcurve.ErrTruncated) {
				err = &CacheCorruptError{TargetID: targetID, Err: err}
			}
		}
		g.report(err)
		if err != nil {
			if actx.Err() != nil || IsCacheCorrupt(err) {
				return out, err
			}
			g.logger.Warn("segment download failed, skipping", "target_id", targetID, "segment", seg.ID, "error", err)
			lastErr = err
			continue
		}
		if err := g.cache.WriteSegment(targetID, seg.ID, data); err != nil {
			g.logger.Warn("cache segment write failed", "target_id", targetID, "segment", seg.ID, "error", err)
		}
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return out, &noSegmentsError{last: lastErr}
	}

	joined := lightcurve.Join(parts...)
	path, err := g.cache.WriteDataset(targetID, joined)
	if err != nil {
		return out, fmt.Errorf("stage dataset: %w", err)
	}
	out.path = path
	out.series = joined
	out.obtained = len(parts)
	return out, nil
}

// report feeds one request outcome to the rate controller and attempt hook.
func (g *Gate) report(err error) {
	result := AttemptOK
	switch {
	case err == nil:
		g.rc.ReportSuccess()
	case IsThrottled(err):
		result = AttemptThrottled
		g.rc.ReportThrottled()
	case errors.Is(err, ErrNotFound):
		result = AttemptNotFound
	case IsCacheCorrupt(err):
		result = AttemptCorrupt
	case errors.Is(err, context.DeadlineExceeded):
		result = AttemptTimeout
	default:
		result = AttemptError
	}
	if g.onAttempt != nil {
		g.onAttempt(result)
	}
}

func (g *Gate) enter() {
	n := g.inFlight.Add(1)
	for {
		cur := g.maxInFlight.Load()
		if n <= cur || g.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if g.onInFlight != nil {
		g.onInFlight(int(n))
	}
}

func (g *Gate) leave() {
	n := g.inFlight.Add(-1)
	if g.onInFlight != nil {
		g.onInFlight(int(n))
	}
}

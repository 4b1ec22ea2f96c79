package fetch

import (
	"log/slog"
	"math"
	"time"
)

// RetryPolicy decides how many attempts a fetch gets and how long to wait
// between them. The wait after attempt n is BaseDelay * 2^n.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Minute}
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	// Clamp before converting; large attempts overflow int64.
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry is true when attempt was not the last one and err is transient.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.Attempts && IsRetryable(err)
}

// RecoveryPolicy resets local state so a retry does not trip over leftovers
// of a failed attempt.
type RecoveryPolicy interface {
	// BeforeRetry runs ahead of every attempt after the first.
	BeforeRetry(targetID string)
	// OnError runs after each failed attempt.
	OnError(targetID string, err error)
}

// CacheRecovery clears the target's cache directory before retries and as
// soon as a corruption error shows up.
type CacheRecovery struct {
	Cache  *Cache
	Logger *slog.Logger
}

func (r CacheRecovery) BeforeRetry(targetID string) {
	r.clear(targetID, "retry")
}

func (r CacheRecovery) OnError(targetID string, err error) {
	if IsCacheCorrupt(err) {
		r.clear(targetID, "corrupt cache")
	}
}

func (r CacheRecovery) clear(targetID, reason string) {
	if r.Cache == nil {
		return
	}
	removed, err := r.Cache.Remove(targetID)
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err != nil {
		logger.Warn("cache cleanup failed", "target_id", targetID, "reason", reason, "error", err)
		return
	}
	if removed {
		logger.Info("cleared cached artifacts", "target_id", targetID, "reason", reason)
	}
}

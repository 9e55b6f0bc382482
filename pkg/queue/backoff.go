package queue

import (
	"math"
	"math/rand"
	"time"

	"github.com/wuwei-labs/antegen/pkg/config"
)

// RetryDelay computes the backoff delay for retry attempt n (0-based):
// min(initial * multiplier^n, max) scaled by a uniform jitter in
// [1-jitter, 1+jitter].
func RetryDelay(cfg config.RetryConfig, attempt int) time.Duration {
	base := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	capped := math.Min(base, float64(cfg.MaxDelayMS))
	if cfg.JitterFactor > 0 {
		capped *= 1 + (rand.Float64()*2-1)*cfg.JitterFactor
	}
	if capped < 1 {
		capped = 1
	}
	return time.Duration(capped) * time.Millisecond
}

// Exhausted reports whether a task's retry budget is spent.
func Exhausted(cfg config.RetryConfig, retryCount int) bool {
	return retryCount >= cfg.MaxRetries
}

package submitter

import (
	"sync"
	"time"

	"github.com/wuwei-labs/antegen/pkg/metrics"
)

// BreakerState is the direct-path health state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// CircuitBreaker gates the direct submission path. Consecutive failures
// open it; after the reset timeout it turns half-open and lets submissions
// through again, and the next recorded outcome decides between closing
// and re-opening.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	threshold    int
	resetTimeout time.Duration
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a direct submission may proceed, transitioning
// Open to HalfOpen once the reset timeout elapses.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.setState(BreakerHalfOpen)
		} else {
			return false
		}
	}
	return true
}

// Success records a successful direct submission.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(BreakerClosed)
}

// Failure records a failed direct submission.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.openedAt = time.Now()
		b.setState(BreakerOpen)
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
		b.setState(BreakerOpen)
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) setState(s BreakerState) {
	b.state = s
	metrics.CircuitBreakerState.Set(float64(s))
}

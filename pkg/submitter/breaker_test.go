package submitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Hour)

	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "below threshold stays closed")
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "open short-circuits until the reset timeout")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow(), "reset timeout elapses into half-open")
	assert.Equal(t, BreakerHalfOpen, b.State())

	// A half-open failure re-opens immediately.
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(2, time.Hour)

	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "success clears the consecutive-failure streak")
}

func TestConnCacheReap(t *testing.T) {
	c := NewConnCache(time.Nanosecond)

	c.Get("http://node-a:8899")
	c.Get("http://node-b:8899")
	assert.Equal(t, 2, c.Len())

	// Same endpoint reuses the cached client.
	first := c.Get("http://node-a:8899")
	assert.Same(t, first, c.Get("http://node-a:8899"))

	time.Sleep(time.Millisecond)
	assert.Equal(t, 2, c.Reap())
	assert.Equal(t, 0, c.Len())

	c.Get("http://node-a:8899")
	c.Invalidate("http://node-a:8899")
	assert.Equal(t, 0, c.Len())
}

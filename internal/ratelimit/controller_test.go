package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically instead of
// sleeping in wall-clock time.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(cfg)
	c.now = clock.Now
	c.sleep = func(d time.Duration) { clock.Advance(d) }
	c.rand = func() float64 { return 0 } // deterministic: no jitter
	return c, clock
}

func TestWaitBeforeRequestAllowsUpToLimit(t *testing.T) {
	cfg := Config{Limit: 3, Window: time.Minute}
	c, _ := newTestController(cfg)

	for i := 0; i < 3; i++ {
		wait, ok := c.tryReserve(c.bucket(BucketAPI), BucketAPI)
		assert.True(t, ok)
		assert.Zero(t, wait)
	}
	_, ok := c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	assert.False(t, ok)
}

func TestWaitBeforeRequestEvictsExpiredEntries(t *testing.T) {
	cfg := Config{Limit: 1, Window: time.Minute}
	c, clock := newTestController(cfg)

	_, ok := c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	require.True(t, ok)

	_, ok = c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	assert.False(t, ok)

	clock.Advance(time.Minute + time.Second)
	_, ok = c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	assert.True(t, ok)
}

func TestHandleResponseBacksOffOn403(t *testing.T) {
	cfg := Config{Limit: 100, Window: time.Minute, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterRatio: 0}
	c, _ := newTestController(cfg)

	c.HandleResponse(BucketAPI, 403)
	wait, ok := c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(time.Millisecond))
}

func TestHandleResponseBackoffDoublesThenCaps(t *testing.T) {
	cfg := Config{Limit: 100, Window: time.Minute, BaseDelay: time.Second, MaxDelay: 3 * time.Second, JitterRatio: 0}
	c, _ := newTestController(cfg)

	c.HandleResponse(BucketAPI, 403) // failures=1, delay=1s
	c.HandleResponse(BucketAPI, 403) // failures=2, delay=2s
	c.HandleResponse(BucketAPI, 403) // failures=3, delay=4s capped at 3s
	wait, ok := c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	assert.False(t, ok)
	assert.InDelta(t, float64(3*time.Second), float64(wait), float64(time.Millisecond))
}

func TestHandleResponseSuccessResetsBackoff(t *testing.T) {
	cfg := Config{Limit: 100, Window: time.Minute, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterRatio: 0}
	c, _ := newTestController(cfg)

	c.HandleResponse(BucketAPI, 403)
	c.HandleResponse(BucketAPI, 200)

	_, ok := c.tryReserve(c.bucket(BucketAPI), BucketAPI)
	assert.True(t, ok)
}

func TestBucketsAreIndependent(t *testing.T) {
	cfg := Config{Limit: 100, Window: time.Minute, BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterRatio: 0}
	c, _ := newTestController(cfg)

	c.HandleResponse(BucketAPI, 403)
	_, okMedia := c.tryReserve(c.bucket(BucketMedia), BucketMedia)
	assert.True(t, okMedia)
}

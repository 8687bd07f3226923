// Package ratelimit serializes outbound requests through per-bucket
// sliding-window quotas with exponential backoff, keeping the harvester
// under the upstream's tolerated request rate.
package ratelimit

import (
	"container/list"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Bucket names. api and media share configuration but never share state:
// failures on one never affect the other.
const (
	BucketAPI   = "api"
	BucketMedia = "media"
)

// Config configures a Controller's shared bucket parameters.
type Config struct {
	Limit           int           // L: max requests per window
	Window          time.Duration // W
	RequestInterval time.Duration // minimum spacing between api requests; 0 disables
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	JitterRatio     float64
}

// DefaultConfig holds the limits the upstream tolerates in practice.
func DefaultConfig() Config {
	return Config{
		Limit:       30,
		Window:      10 * time.Minute,
		BaseDelay:   30 * time.Second,
		MaxDelay:    10 * time.Minute,
		JitterRatio: 0.5,
	}
}

type bucketState struct {
	mu            sync.Mutex
	timestamps    *list.List // of time.Time, oldest-first
	lastRequestAt time.Time
	hasLast       bool
	failures      int
	backoffUntil  time.Time
}

// Controller meters requests across two independent buckets ("api",
// "media"), each a sliding window with backoff.
type Controller struct {
	cfg Config

	bucketsMu sync.Mutex
	buckets   map[string]*bucketState

	// Injectable for deterministic tests.
	now   func() time.Time
	sleep func(time.Duration)
	rand  func() float64
}

// New builds a Controller with independent state for the api and media
// buckets, sharing cfg.
func New(cfg Config) *Controller {
	return &Controller{
		cfg: cfg,
		buckets: map[string]*bucketState{
			BucketAPI:   {timestamps: list.New()},
			BucketMedia: {timestamps: list.New()},
		},
		now:   time.Now,
		sleep: time.Sleep,
		rand:  rand.Float64,
	}
}

func (c *Controller) bucket(name string) *bucketState {
	c.bucketsMu.Lock()
	defer c.bucketsMu.Unlock()
	b, ok := c.buckets[name]
	if !ok {
		// Unknown buckets get their own independent state lazily.
		b = &bucketState{timestamps: list.New()}
		c.buckets[name] = b
	}
	return b
}

// WaitBeforeRequest blocks until the caller may issue a request against
// bucket, then atomically records the request timestamp. The decision to
// proceed and the timestamp append happen in the same critical section,
// so two callers can never spend the same window slot.
func (c *Controller) WaitBeforeRequest(bucket string) {
	b := c.bucket(bucket)
	for {
		wait, ok := c.tryReserve(b, bucket)
		if ok {
			return
		}
		c.sleep(wait)
	}
}

func (c *Controller) tryReserve(b *bucketState, bucket string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := c.now()

	for b.timestamps.Len() > 0 {
		front := b.timestamps.Front()
		ts := front.Value.(time.Time)
		if now.Sub(ts) >= c.cfg.Window {
			b.timestamps.Remove(front)
			continue
		}
		break
	}

	var wait time.Duration
	if b.timestamps.Len() >= c.cfg.Limit {
		earliest := b.timestamps.Front().Value.(time.Time)
		if w := earliest.Add(c.cfg.Window).Sub(now); w > wait {
			wait = w
		}
	}
	if bucket == BucketAPI && c.cfg.RequestInterval > 0 && b.hasLast {
		if w := b.lastRequestAt.Add(c.cfg.RequestInterval).Sub(now); w > wait {
			wait = w
		}
	}
	if w := b.backoffUntil.Sub(now); w > wait {
		wait = w
	}

	if wait <= 0 {
		b.timestamps.PushBack(now)
		b.lastRequestAt = now
		b.hasLast = true
		return 0, true
	}
	return wait, false
}

// HandleResponse updates the bucket's failure/backoff state from an
// observed HTTP status: 403/418 schedules a backoff window; 2xx/3xx
// resets failures. Other statuses are ignored.
func (c *Controller) HandleResponse(bucket string, status int) {
	b := c.bucket(bucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case status == 403 || status == 418:
		b.failures++
		base := math.Min(
			float64(c.cfg.BaseDelay)*math.Pow(2, float64(b.failures-1)),
			float64(c.cfg.MaxDelay),
		)
		jitter := base * c.cfg.JitterRatio * c.rand()
		b.backoffUntil = c.now().Add(time.Duration(base + jitter))
	case status >= 200 && status < 400:
		b.failures = 0
		b.backoffUntil = time.Time{}
	}
}

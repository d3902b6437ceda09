// Package admission implements the Memory Admission Controller: a shared
// signed counter of "reservable bytes" that the sort stage's worker pool
// must reserve against before starting, so the pool never exceeds the
// host's available memory as measured at stage-2 start.
package admission

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"
)

// DefaultPollBackoffMin and DefaultPollBackoffMax bound the randomized
// sleep between reservation polls, per the governing concurrency model.
const (
	DefaultPollBackoffMin = 1000 * time.Millisecond
	DefaultPollBackoffMax = 5000 * time.Millisecond
)

// EstimationCoefficient is the multiplier applied to a bucket file's
// on-disk size to estimate its peak in-memory working set while sorting.
// This exact coefficient is required to preserve throughput
// characteristics on memory-tight hosts; it is configurable (see
// internal/runconfig) but defaults to the value this was validated under.
const EstimationCoefficient = 5

// Controller is the admission counter. available must never be observed
// negative; every reserve() blocks until it would not drive the counter
// below zero.
type Controller struct {
	available  int64
	backoffMin time.Duration
	backoffMax time.Duration
}

// New creates a Controller seeded with totalBytes reservable bytes
// (normally the host's available memory at stage-2 start).
func New(totalBytes int64) *Controller {
	return NewWithBackoff(totalBytes, DefaultPollBackoffMin, DefaultPollBackoffMax)
}

// NewWithBackoff is New with explicit poll-backoff bounds, for operators
// who tune the defaults via RunConfig and for tests that want a tight
// loop.
func NewWithBackoff(totalBytes int64, backoffMin, backoffMax time.Duration) *Controller {
	return &Controller{
		available:  totalBytes,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

// Available returns a snapshot of the remaining reservable bytes.
func (c *Controller) Available() int64 {
	return atomic.LoadInt64(&c.available)
}

// EstimatePeakBytes applies EstimationCoefficient to an on-disk bucket
// size.
func EstimatePeakBytes(fileSize int64) int64 {
	return EstimationCoefficient * fileSize
}

// EstimatePeakBytesWithCoefficient is EstimatePeakBytes with an explicit
// coefficient, for operators who override EstimationCoefficient via
// internal/runconfig.
func EstimatePeakBytesWithCoefficient(fileSize, coefficient int64) int64 {
	return coefficient * fileSize
}

// Reserve blocks until at least n bytes are available, then atomically
// subtracts n. Waiting uses a bounded randomized backoff between polls
// rather than a condition variable, to avoid a thundering herd when many
// workers are waiting on the same release. Returns ctx.Err() if ctx is
// canceled while waiting.
func (c *Controller) Reserve(ctx context.Context, n int64) error {
	for {
		cur := atomic.LoadInt64(&c.available)
		if cur >= n {
			if atomic.CompareAndSwapInt64(&c.available, cur, cur-n) {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.randomBackoff()):
		}
	}
}

func (c *Controller) randomBackoff() time.Duration {
	span := c.backoffMax - c.backoffMin
	if span <= 0 {
		return c.backoffMin
	}
	return c.backoffMin + time.Duration(rand.Int63n(int64(span)))
}

// Release atomically adds n back to the available counter.
func (c *Controller) Release(n int64) {
	atomic.AddInt64(&c.available, n)
}

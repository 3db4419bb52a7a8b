// pkg/refcount/counter.go

package refcount

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrInvalidState is returned when a counter is released past zero or
// reserved again after its final release.
var ErrInvalidState = errors.New("refcount: invalid state")

// Counter is an atomic reference count with a release action that runs
// exactly once, on the goroutine that moves the count from 1 to 0.
type Counter struct {
	count     atomic.Int64
	released  atomic.Bool
	onRelease func()
}

// New returns a counter holding one reservation.
func New(onRelease func()) *Counter {
	c := &Counter{onRelease: onRelease}
	c.count.Store(1)
	return c
}

// Reserve adds one reservation.
func (c *Counter) Reserve() error {
	for {
		n := c.count.Load()
		if n <= 0 {
			return errors.Wrapf(ErrInvalidState, "reserve after release (count %d)", n)
		}
		if c.count.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// TryReserve adds one reservation unless the count has already reached zero.
func (c *Counter) TryReserve() bool {
	for {
		n := c.count.Load()
		if n <= 0 {
			return false
		}
		if c.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reservation and runs the release action when the
// last one is gone.
func (c *Counter) Release() error {
	for {
		n := c.count.Load()
		if n <= 0 {
			return errors.Wrapf(ErrInvalidState, "release with count %d", n)
		}
		if !c.count.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 && c.released.CompareAndSwap(false, true) && c.onRelease != nil {
			c.onRelease()
		}
		return nil
	}
}

// Get returns the current count.
func (c *Counter) Get() int64 {
	return c.count.Load()
}

// Released reports whether the release action has run.
func (c *Counter) Released() bool {
	return c.released.Load()
}

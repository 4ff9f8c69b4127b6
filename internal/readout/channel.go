package readout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Forever makes [Channel.Receive] block until a batch arrives or the
// context ends. Send never waits forever; it treats Forever like 0.
const Forever time.Duration = -1

var (
	// ErrFull is returned by Send when no space became available in
	// time. The batch has been dropped.
	ErrFull = errors.New("readout: channel full")
	// ErrEmpty is returned by Receive when no batch became available
	// in time.
	ErrEmpty = errors.New("readout: channel empty")
	// ErrNotInitialized is returned when the channel is used before Init.
	ErrNotInitialized = errors.New("readout: channel not initialized")
)

// Channel is a bounded FIFO of batches shared by every sampler and the
// publisher. The zero value must be initialized with [Channel.Init]
// before use. All methods are safe for concurrent use.
type Channel struct {
	once sync.Once
	q    atomic.Pointer[chan Batch]
}

// NewChannel returns an initialized channel with the given capacity.
func NewChannel(capacity int) *Channel {
	c := &Channel{}
	c.Init(capacity)
	return c
}

// Init allocates the queue. Only the first call has any effect.
// Capacities below 1 are raised to 1.
func (c *Channel) Init(capacity int) {
	c.once.Do(func() {
		if capacity < 1 {
			capacity = 1
		}
		q := make(chan Batch, capacity)
		c.q.Store(&q)
	})
}

func (c *Channel) queue() chan Batch {
	if p := c.q.Load(); p != nil {
		return *p
	}
	return nil
}

// Send enqueues b, waiting at most timeout for space. On [ErrFull] the
// batch is dropped and must not be retried by the caller.
func (c *Channel) Send(ctx context.Context, b Batch, timeout time.Duration) error {
	q := c.queue()
	if q == nil {
		return ErrNotInitialized
	}

	select {
	case q <- b:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrFull
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case q <- b:
		return nil
	case <-t.C:
		return ErrFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the oldest batch. A timeout of 0 never blocks;
// [Forever] blocks until a batch arrives or ctx ends.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (Batch, error) {
	q := c.queue()
	if q == nil {
		return Batch{}, ErrNotInitialized
	}

	select {
	case b := <-q:
		return b, nil
	default:
	}
	if timeout == 0 {
		return Batch{}, ErrEmpty
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case b := <-q:
		return b, nil
	case <-expired:
		return Batch{}, ErrEmpty
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Len returns the number of queued batches.
func (c *Channel) Len() int {
	return len(c.queue())
}

// Cap returns the channel capacity, or 0 before Init.
func (c *Channel) Cap() int {
	return cap(c.queue())
}

// Package admission bounds how many VMs exist at once and how long a single
// request may take end to end, including the time spent waiting for a slot.
package admission

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout is the end-to-end budget for one request.
const DefaultTimeout = 30 * time.Second

var (
	// ErrAdmissionTimeout means no permit became free before the deadline.
	ErrAdmissionTimeout = errors.New("timed out waiting for a free vm slot")
	// ErrExecutionTimeout means the deadline passed after the request was
	// admitted.
	ErrExecutionTimeout = errors.New("execution exceeded its deadline")
)

// DefaultMaxVMs is two VMs per host CPU.
func DefaultMaxVMs() int {
	return 2 * runtime.NumCPU()
}

// Controller hands out at most MaxVMs permits. It is safe for concurrent use.
type Controller struct {
	sem     *semaphore.Weighted
	max     int
	timeout time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
}

// New returns a controller. Non-positive values select the defaults.
func New(maxVMs int, timeout time.Duration) *Controller {
	if maxVMs <= 0 {
		maxVMs = DefaultMaxVMs()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		sem:     semaphore.NewWeighted(int64(maxVMs)),
		max:     maxVMs,
		timeout: timeout,
	}
}

func (c *Controller) MaxVMs() int { return c.max }

func (c *Controller) Timeout() time.Duration { return c.timeout }

// Do waits for a permit and runs fn under a single deadline that covers both
// the wait and fn. fn receives the deadline-bound context and the permit is
// released when fn returns.
//
// If the deadline passes while fn still runs, Do returns ErrExecutionTimeout
// as soon as fn returns; fn is expected to observe ctx and clean up. The
// decision is made against the deadline itself, so an fn that enforced the
// same deadline with its own timer and returned first still reports an
// execution timeout.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrAdmissionTimeout
		}
		return err
	}
	c.enter()
	defer func() {
		c.leave()
		c.sem.Release(1)
	}()

	err := fn(ctx)
	if pastDeadline(ctx) {
		return errors.Join(ErrExecutionTimeout, err)
	}
	return err
}

func pastDeadline(ctx context.Context) bool {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case err != nil:
		return false
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

// InFlight is the number of permits currently held.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Peak is the highest InFlight value observed.
func (c *Controller) Peak() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func (c *Controller) enter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
}

func (c *Controller) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
}

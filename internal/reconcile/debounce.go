package reconcile

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Debouncer delivers the latest value passed to Call once the input has been
// quiet for the window. Earlier values inside the window are discarded.
type Debouncer[T any] struct {
	mu         sync.Mutex
	clock      clock.Clock
	window     time.Duration
	fn         func(T)
	timer      *clock.Timer
	pending    T
	hasPending bool
	generation uint64
	stopped    bool
}

// NewDebouncer constructs a trailing-edge debouncer. A zero window makes Call
// invoke fn synchronously.
func NewDebouncer[T any](clk clock.Clock, window time.Duration, fn func(T)) *Debouncer[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Debouncer[T]{clock: clk, window: window, fn: fn}
}

// Call records value and restarts the quiet-period timer.
func (d *Debouncer[T]) Call(value T) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.window <= 0 {
		d.mu.Unlock()
		d.fn(value)
		return
	}
	d.pending = value
	d.hasPending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.fire(generation)
	})
	d.mu.Unlock()
}

// Flush delivers a pending value immediately.
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	d.deliverLocked()
}

// Stop discards any pending value; later calls are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.hasPending = false
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer[T]) fire(generation uint64) {
	d.mu.Lock()
	if generation != d.generation {
		d.mu.Unlock()
		return
	}
	d.deliverLocked()
}

// deliverLocked must be called with mu held and releases it.
func (d *Debouncer[T]) deliverLocked() {
	if d.stopped || !d.hasPending {
		d.mu.Unlock()
		return
	}
	value := d.pending
	var zero T
	d.pending = zero
	d.hasPending = false
	d.generation++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.fn(value)
}

// Coalescer buffers every value added during a burst and hands the whole
// batch, in arrival order, to fn once the input has been quiet for the window.
type Coalescer[T any] struct {
	mu         sync.Mutex
	clock      clock.Clock
	window     time.Duration
	fn         func([]T)
	timer      *clock.Timer
	pending    []T
	generation uint64
	stopped    bool
}

// NewCoalescer constructs a Coalescer. A zero window delivers each value as a
// batch of one, synchronously.
func NewCoalescer[T any](clk clock.Clock, window time.Duration, fn func([]T)) *Coalescer[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Coalescer[T]{clock: clk, window: window, fn: fn}
}

// Add buffers value and restarts the quiet-period timer.
func (c *Coalescer[T]) Add(value T) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.window <= 0 {
		c.mu.Unlock()
		c.fn([]T{value})
		return
	}
	c.pending = append(c.pending, value)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.generation++
	generation := c.generation
	c.timer = c.clock.AfterFunc(c.window, func() {
		c.fire(generation)
	})
	c.mu.Unlock()
}

// Flush delivers the buffered batch immediately.
func (c *Coalescer[T]) Flush() {
	c.mu.Lock()
	c.deliverLocked()
}

// Stop discards the buffered batch; later values are ignored.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = nil
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coalescer[T]) fire(generation uint64) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.deliverLocked()
}

// deliverLocked must be called with mu held and releases it.
func (c *Coalescer[T]) deliverLocked() {
	if c.stopped || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.fn(batch)
}

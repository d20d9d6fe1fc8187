package stream

import (
	"strings"
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler runs a callback at the next frame boundary. The returned cancel
// function reports whether it prevented the callback from running.
// Schedule must not invoke fn synchronously.
type Scheduler interface {
	Schedule(fn func()) (cancel func() bool)
}

// FrameScheduler schedules callbacks one Interval from now.
type FrameScheduler struct {
	Interval time.Duration
}

// Schedule implements Scheduler.
func (s FrameScheduler) Schedule(fn func()) func() bool {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	t := time.AfterFunc(interval, fn)
	return t.Stop
}

// Coalescer batches deltas so that at most one batch is emitted per frame.
// Every pushed character is emitted exactly once, in order, unless Cancel
// drops it before its frame arrives.
type Coalescer struct {
	scheduler Scheduler
	flush     func(batch string)

	// emitMu serializes emission so batches can never overtake each other.
	emitMu sync.Mutex

	mu        sync.Mutex
	pending   strings.Builder
	cancel    func() bool
	scheduled bool
	closed    bool
	flushes   int
}

// NewCoalescer returns a Coalescer that hands batches to flush.
func NewCoalescer(scheduler Scheduler, flush func(batch string)) *Coalescer {
	if scheduler == nil {
		scheduler = FrameScheduler{Interval: DefaultFrameInterval}
	}
	return &Coalescer{scheduler: scheduler, flush: flush}
}

// Push queues delta for the next frame.
func (c *Coalescer) Push(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending.WriteString(delta)
	if !c.scheduled {
		c.scheduled = true
		c.cancel = c.scheduler.Schedule(c.onFrame)
	}
}

func (c *Coalescer) onFrame() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.scheduled = false
	c.cancel = nil
	batch := c.takeLocked()
	c.mu.Unlock()

	c.emit(batch)
}

// Complete flushes pending text immediately instead of waiting for the frame.
// No batch is emitted after Complete returns.
func (c *Coalescer) Complete() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.stopLocked()
	c.closed = true
	batch := c.takeLocked()
	c.mu.Unlock()

	c.emit(batch)
}

// Cancel drops pending text. Batches that were already emitted stay emitted.
func (c *Coalescer) Cancel() {
	c.mu.Lock()
	c.stopLocked()
	c.closed = true
	c.pending.Reset()
	c.mu.Unlock()

	// Wait out a frame that was already emitting.
	c.emitMu.Lock()
	c.emitMu.Unlock()
}

// Pending returns the text waiting for the next frame.
func (c *Coalescer) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.String()
}

// Flushes returns how many batches have been emitted.
func (c *Coalescer) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

func (c *Coalescer) stopLocked() {
	if c.scheduled && c.cancel != nil {
		c.cancel()
	}
	c.scheduled = false
	c.cancel = nil
}

func (c *Coalescer) takeLocked() string {
	batch := c.pending.String()
	c.pending.Reset()
	if batch != "" {
		c.flushes++
	}
	return batch
}

func (c *Coalescer) emit(batch string) {
	if batch == "" || c.flush == nil {
		return
	}
	c.flush(batch)
}

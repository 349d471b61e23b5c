// Package throttle rate-limits a stream of values to at most one emission
// per interval, always delivering the most recent value of a suppressed
// window.
package throttle

import (
	"sync"
	"time"
)

// DefaultInterval is the cursor broadcast interval.
const DefaultInterval = 50 * time.Millisecond

type Throttler[T any] struct {
	mu       sync.Mutex
	interval time.Duration
	emit     func(T)
	clock    Clock
	bypass   func(T) bool

	emitted  bool
	lastEmit time.Time

	pending    T
	hasPending bool
	timer      Timer
	gen        uint64

	stopped  bool
	emitting bool
}

// New returns a throttler that calls emit at most once per interval. A nil
// clock means System.
func New[T any](interval time.Duration, emit func(T), clock Clock) *Throttler[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = System
	}
	return &Throttler[T]{interval: interval, emit: emit, clock: clock}
}

// SetBypass installs a predicate; values it accepts are emitted immediately
// and discard whatever was pending.
func (t *Throttler[T]) SetBypass(fn func(T) bool) {
	t.mu.Lock()
	t.bypass = fn
	t.mu.Unlock()
}

// Push offers v. It is emitted now when the window is open, otherwise it
// replaces the pending value and goes out when the window closes. Push may
// be called from inside emit; the value is then delivered right after the
// current emission returns.
func (t *Throttler[T]) Push(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	if t.bypass != nil && t.bypass(v) {
		t.cancelLocked()
		t.pending, t.hasPending = v, true
		t.drainLocked()
		return
	}

	if t.timer == nil && (!t.emitted || now.Sub(t.lastEmit) >= t.interval) {
		t.pending, t.hasPending = v, true
		t.drainLocked()
		return
	}

	t.pending = v
	t.hasPending = true
	if t.timer == nil {
		wait := t.interval - now.Sub(t.lastEmit)
		if wait < 0 {
			wait = 0
		}
		t.gen++
		gen := t.gen
		t.timer = t.clock.AfterFunc(wait, func() { t.fire(gen) })
	}
	t.mu.Unlock()
}

// Flush emits the pending value, if any, without waiting for the window.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	if t.stopped || !t.hasPending {
		t.mu.Unlock()
		return
	}
	v := t.pending
	t.cancelLocked()
	t.pending, t.hasPending = v, true
	t.drainLocked()
}

// Stop cancels any scheduled emission. No emission starts after Stop
// returns; one already running on another goroutine finishes. Stop is
// idempotent and may be called from inside emit.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.cancelLocked()
}

func (t *Throttler[T]) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen || !t.hasPending {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.drainLocked()
}

func (t *Throttler[T]) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.clearPendingLocked()
}

func (t *Throttler[T]) clearPendingLocked() {
	var zero T
	t.pending = zero
	t.hasPending = false
}

// drainLocked emits pending values one at a time with the lock released
// around emit. It is entered with t.mu held and returns with it released.
// If another call is already emitting, that call picks up the pending value.
func (t *Throttler[T]) drainLocked() {
	if t.emitting {
		t.mu.Unlock()
		return
	}
	t.emitting = true
	for t.hasPending && !t.stopped {
		v := t.pending
		t.clearPendingLocked()
		t.emitted = true
		t.lastEmit = t.clock.Now()
		t.mu.Unlock()
		t.emit(v)
		t.mu.Lock()
	}
	t.emitting = false
	t.mu.Unlock()
}

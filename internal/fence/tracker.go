// Package fence tracks per-engine fence progress. Fence values are assigned
// by the submission path, retired by the device, and observed through an
// ordered list of probes of increasing cost. The tracked completed value
// only ever advances; a stale probe result can never move it backwards.
package fence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the outcome of a fence wait.
type Status int

const (
	// StatusComplete means the fence has retired.
	StatusComplete Status = iota
	// StatusNotReady means the fence had not retired within the timeout.
	// It is never an error.
	StatusNotReady
	// StatusFailed means a probe reported a hard device error. The
	// tracker latches failure; the contexts above treat it as device
	// loss.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusNotReady:
		return "not-ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Probe queries one completion source for the highest retired fence it has
// observed. Implementations must be safe for concurrent use.
type Probe interface {
	Completed() (uint64, error)
}

// pollInterval bounds how long a blocked waiter goes without re-probing
// when no broadcast arrives. The device may retire fences without an
// interrupt (NO_IRQ submissions), so waiters cannot rely on wakeups alone.
const pollInterval = time.Millisecond

// Tracker tracks fence progress for one engine. Reads are lock-free;
// waiters block on a closed-channel broadcast that fires on every strict
// advance of the completed value.
type Tracker struct {
	next          atomic.Uint64
	lastSubmitted atomic.Uint64
	completed     atomic.Uint64

	mu     sync.Mutex
	wake   chan struct{}
	err    error // latched hard failure
	probes []Probe
}

// NewTracker returns a tracker over the given probes, ordered cheapest
// first. Probes may be empty; progress then comes from Advance alone.
func NewTracker(probes ...Probe) *Tracker {
	return &Tracker{
		wake:   make(chan struct{}),
		probes: probes,
	}
}

// NextFence reserves and returns the next fence value. Values start at 1;
// fence 0 is vacuously complete.
func (t *Tracker) NextFence() uint64 { return t.next.Add(1) }

// NoteSubmitted records that a fence value has been handed to the device.
func (t *Tracker) NoteSubmitted(f uint64) {
	advance(&t.lastSubmitted, f)
}

// LastSubmitted returns the highest fence value handed to the device.
func (t *Tracker) LastSubmitted() uint64 { return t.lastSubmitted.Load() }

// Completed returns the highest fence known to have retired. It reflects
// the last probe or Advance, not a fresh device query.
func (t *Tracker) Completed() uint64 { return t.completed.Load() }

// Advance merges an observed completed value. Stale values are ignored; a
// strict advance wakes all blocked waiters. Reports whether the value
// advanced.
func (t *Tracker) Advance(f uint64) bool {
	if !advance(&t.completed, f) {
		return false
	}
	t.mu.Lock()
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
	return true
}

// advance max-merges f into c, returning true on strict increase.
func advance(c *atomic.Uint64, f uint64) bool {
	for {
		old := c.Load()
		if f <= old {
			return false
		}
		if c.CompareAndSwap(old, f) {
			return true
		}
	}
}

// Fail latches a hard device error. All current and future waits on
// unretired fences return StatusFailed.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
}

func (t *Tracker) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracker) wakeChan() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wake
}

// poll queries probes in cost order, merging every observation. It stops
// early once target is known retired. cheapOnly restricts the query to the
// first probe; zero-timeout waits use it to stay off the device round-trip
// path.
func (t *Tracker) poll(target uint64, cheapOnly bool) error {
	for i, p := range t.probes {
		if cheapOnly && i > 0 {
			return nil
		}
		v, err := p.Completed()
		if err != nil {
			t.Fail(err)
			return err
		}
		t.Advance(v)
		if v >= target {
			return nil
		}
	}
	return nil
}

// Wait blocks until fence f retires, the timeout elapses, or ctx is done.
// A zero timeout polls the cheapest probe once and never blocks. Timeouts
// and context cancellation report StatusNotReady; StatusFailed is reserved
// for hard device errors.
func (t *Tracker) Wait(ctx context.Context, f uint64, timeout time.Duration) (Status, error) {
	if t.Completed() >= f {
		return StatusComplete, nil
	}
	if err := t.failure(); err != nil {
		return StatusFailed, err
	}

	if timeout == 0 {
		if err := t.poll(f, true); err != nil {
			return StatusFailed, err
		}
		if t.Completed() >= f {
			return StatusComplete, nil
		}
		return StatusNotReady, nil
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		wake := t.wakeChan()
		if err := t.poll(f, false); err != nil {
			return StatusFailed, err
		}
		if t.Completed() >= f {
			return StatusComplete, nil
		}
		if err := t.failure(); err != nil {
			return StatusFailed, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return StatusNotReady, nil
		}
		tick := pollInterval
		if remaining < tick {
			tick = remaining
		}
		timer.Reset(tick)
		select {
		case <-wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return StatusNotReady, ctx.Err()
		}
	}
}

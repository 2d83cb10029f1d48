package fence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aerovm/aerogpu-go/internal/abi"
)

// probeFunc adapts a closure to the Probe interface.
type probeFunc func() (uint64, error)

func (f probeFunc) Completed() (uint64, error) { return f() }

func TestAdvanceNeverRegresses(t *testing.T) {
	tr := NewTracker()
	if !tr.Advance(5) {
		t.Error("advance to 5 reported no progress")
	}
	if tr.Advance(3) {
		t.Error("stale advance reported progress")
	}
	if tr.Completed() != 5 {
		t.Errorf("completed = %d, want 5", tr.Completed())
	}
	if tr.Advance(5) {
		t.Error("equal advance reported progress")
	}
}

func TestNextFenceMonotonic(t *testing.T) {
	tr := NewTracker()
	a, b := tr.NextFence(), tr.NextFence()
	if a != 1 || b != 2 {
		t.Errorf("first fences = %d, %d, want 1, 2", a, b)
	}
	tr.NoteSubmitted(b)
	tr.NoteSubmitted(a) // out-of-order note must not regress
	if tr.LastSubmitted() != b {
		t.Errorf("lastSubmitted = %d, want %d", tr.LastSubmitted(), b)
	}
}

func TestWaitFastPath(t *testing.T) {
	probed := false
	tr := NewTracker(probeFunc(func() (uint64, error) {
		probed = true
		return 0, nil
	}))
	tr.Advance(10)

	st, err := tr.Wait(context.Background(), 7, time.Second)
	if st != StatusComplete || err != nil {
		t.Fatalf("Wait = (%v, %v), want complete", st, err)
	}
	if probed {
		t.Error("fast path hit a probe")
	}
}

func TestWaitZeroTimeoutPollsCheapestOnly(t *testing.T) {
	var cheap, expensive int
	tr := NewTracker(
		probeFunc(func() (uint64, error) { cheap++; return 3, nil }),
		probeFunc(func() (uint64, error) { expensive++; return 9, nil }),
	)

	st, err := tr.Wait(context.Background(), 5, 0)
	if st != StatusNotReady || err != nil {
		t.Fatalf("Wait = (%v, %v), want not-ready", st, err)
	}
	if cheap != 1 || expensive != 0 {
		t.Errorf("probe calls cheap=%d expensive=%d, want 1, 0", cheap, expensive)
	}
	if tr.Completed() != 3 {
		t.Errorf("completed = %d, want 3 (merged from poll)", tr.Completed())
	}

	// A satisfied cheap probe completes the zero-timeout wait.
	st, err = tr.Wait(context.Background(), 3, 0)
	if st != StatusComplete || err != nil {
		t.Errorf("Wait on retired fence = (%v, %v), want complete", st, err)
	}
}

func TestWaitBlocksUntilAdvance(t *testing.T) {
	tr := NewTracker()
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Advance(1)
	}()
	st, err := tr.Wait(context.Background(), 1, 5*time.Second)
	if st != StatusComplete || err != nil {
		t.Fatalf("Wait = (%v, %v), want complete", st, err)
	}
}

func TestWaitTimeout(t *testing.T) {
	tr := NewTracker()
	start := time.Now()
	st, err := tr.Wait(context.Background(), 1, 20*time.Millisecond)
	if st != StatusNotReady || err != nil {
		t.Fatalf("Wait = (%v, %v), want not-ready", st, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Wait returned before the timeout")
	}
}

func TestWaitContextCancel(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	st, err := tr.Wait(ctx, 1, time.Minute)
	if st != StatusNotReady || !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = (%v, %v), want (not-ready, canceled)", st, err)
	}
}

func TestWaitFailureLatch(t *testing.T) {
	probeErr := errors.New("device wedged")
	calls := 0
	tr := NewTracker(probeFunc(func() (uint64, error) {
		calls++
		return 0, probeErr
	}))

	st, err := tr.Wait(context.Background(), 1, time.Second)
	if st != StatusFailed || !errors.Is(err, probeErr) {
		t.Fatalf("Wait = (%v, %v), want failed", st, err)
	}
	// Latched: later waits fail without re-probing.
	st, err = tr.Wait(context.Background(), 2, time.Second)
	if st != StatusFailed || !errors.Is(err, probeErr) {
		t.Fatalf("latched Wait = (%v, %v), want failed", st, err)
	}
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}

	// Already-retired fences are still complete after device loss.
	tr2 := NewTracker()
	tr2.Advance(5)
	tr2.Fail(probeErr)
	if st, err := tr2.Wait(context.Background(), 5, 0); st != StatusComplete || err != nil {
		t.Errorf("retired fence after failure = (%v, %v), want complete", st, err)
	}
}

func TestWaitPollsWithoutBroadcast(t *testing.T) {
	// Progress arrives only through the probe, as with NO_IRQ
	// submissions. The waiter must observe it via its poll tick.
	var v atomic.Uint64
	tr := NewTracker(probeFunc(func() (uint64, error) { return v.Load(), nil }))
	go func() {
		time.Sleep(10 * time.Millisecond)
		v.Store(1)
	}()
	st, err := tr.Wait(context.Background(), 1, 5*time.Second)
	if st != StatusComplete || err != nil {
		t.Fatalf("Wait = (%v, %v), want complete", st, err)
	}
}

func TestPageProbe(t *testing.T) {
	mem := make([]byte, abi.FencePageSize)
	if _, err := AttachPage(mem); !errors.Is(err, abi.ErrBadMagic) {
		t.Fatalf("attach unformatted page = %v, want ErrBadMagic", err)
	}
	if err := InitPage(mem); err != nil {
		t.Fatalf("InitPage: %v", err)
	}
	p, err := AttachPage(mem)
	if err != nil {
		t.Fatalf("AttachPage: %v", err)
	}

	if v, _ := p.Completed(); v != 0 {
		t.Errorf("fresh page completed = %d, want 0", v)
	}
	p.Bump(7)
	p.Bump(3) // stale bump ignored
	if v, _ := p.Completed(); v != 7 {
		t.Errorf("completed = %d, want 7", v)
	}
}

func TestRateLimited(t *testing.T) {
	calls := 0
	var v uint64 = 10
	inner := probeFunc(func() (uint64, error) { calls++; return v, nil })

	now := time.Unix(0, 0)
	rl := RateLimited(inner, time.Millisecond).(*rateLimited)
	rl.now = func() time.Time { return now }

	if got, _ := rl.Completed(); got != 10 || calls != 1 {
		t.Fatalf("first query = %d (calls %d)", got, calls)
	}

	// Within the interval: cached value, no forward.
	v = 20
	now = now.Add(500 * time.Microsecond)
	if got, _ := rl.Completed(); got != 10 || calls != 1 {
		t.Errorf("cached query = %d (calls %d), want 10 (calls 1)", got, calls)
	}

	// Past the interval: forwarded again.
	now = now.Add(time.Millisecond)
	if got, _ := rl.Completed(); got != 20 || calls != 2 {
		t.Errorf("post-interval query = %d (calls %d), want 20 (calls 2)", got, calls)
	}
}

func TestRateLimitedError(t *testing.T) {
	boom := errors.New("escape failed")
	rl := RateLimited(probeFunc(func() (uint64, error) { return 0, boom }), time.Millisecond)
	if _, err := rl.Completed(); !errors.Is(err, boom) {
		t.Errorf("err = %v, want passthrough", err)
	}
}

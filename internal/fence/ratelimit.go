package fence

import (
	"sync"
	"time"
)

// rateLimited caches the result of an expensive probe and forwards to it at
// most once per interval. Waiters may poll every wakeup; a probe behind a
// device round trip must not be hammered at that frequency.
type rateLimited struct {
	p        Probe
	interval time.Duration
	now      func() time.Time // test hook

	mu     sync.Mutex
	last   time.Time
	cached uint64
}

// RateLimited wraps an expensive probe so it is queried at most once per
// interval; between queries the previous observation is returned. The
// cached value is safe to serve stale because the tracker max-merges it.
func RateLimited(p Probe, interval time.Duration) Probe {
	return &rateLimited{p: p, interval: interval, now: time.Now}
}

func (r *rateLimited) Completed() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !r.last.IsZero() && now.Sub(r.last) < r.interval {
		return r.cached, nil
	}
	v, err := r.p.Completed()
	if err != nil {
		return 0, err
	}
	r.last = now
	r.cached = v
	return v, nil
}

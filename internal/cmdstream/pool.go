package cmdstream

import "sync"

// Pooled staging buffers for encoder use off the transport-visible path.
// Size-bucketed with power-of-2 sizes to balance memory efficiency with
// allocation reduction. Uses *[]byte to avoid sync.Pool interface
// allocation overhead.

// Staging buffer size thresholds
const (
	size4k   = 4 * 1024
	size16k  = 16 * 1024
	size64k  = 64 * 1024
	size256k = 256 * 1024
)

var stagingPool = struct {
	pool4k   sync.Pool
	pool16k  sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
}{
	pool4k:   sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k:  sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
}

// GetBuffer returns a pooled staging buffer of at least the requested size.
// Requests above the largest bucket fall back to a plain allocation.
// Caller must call PutBuffer when done.
func GetBuffer(size int) []byte {
	switch {
	case size <= size4k:
		return (*stagingPool.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*stagingPool.pool16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*stagingPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*stagingPool.pool256k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool. The buffer's capacity determines
// which pool it goes to.
func PutBuffer(buf []byte) {
	c := cap(buf)
	// Restore full capacity before returning to pool
	buf = buf[:c]
	switch c {
	case size4k:
		stagingPool.pool4k.Put(&buf)
	case size16k:
		stagingPool.pool16k.Put(&buf)
	case size64k:
		stagingPool.pool64k.Put(&buf)
	case size256k:
		stagingPool.pool256k.Put(&buf)
		// Buffers with non-standard capacity are not returned to pool
	}
}

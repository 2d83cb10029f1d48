package ring

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics.
var barrierDummy int64

// Sfence orders descriptor stores before the tail publish.
// atomic.AddInt64 with 0 compiles to LOCK XADD on x86-64, which provides
// full memory fence semantics with no contention and minimal overhead (~20 cycles).
func Sfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Lfence orders the head/tail load before descriptor loads.
// Same implementation - LOCK XADD provides full fence on x86-64.
func Lfence() {
	atomic.AddInt64(&barrierDummy, 0)
}

package constants

import "time"

// Default configuration constants
const (
	// DefaultRingEntries is the default submission ring slot count
	DefaultRingEntries = 64

	// DefaultCmdBufferSize is the default command stream buffer size in bytes
	DefaultCmdBufferSize = 64 * 1024

	// DefaultAllocTableSlots is the default allocation table capacity per submission
	DefaultAllocTableSlots = 256

	// DefaultMaxPresentsInFlight bounds unretired present fences per context
	DefaultMaxPresentsInFlight = 3

	// DefaultArenaSize is the default guest-physical arena size in bytes (16MB)
	DefaultArenaSize = 16 << 20

	// DefaultSubmissionLogSize is the default recent-submission log depth
	DefaultSubmissionLogSize = 256
)

// Timing constants for the wait and throttle paths
const (
	// ExpensiveProbeInterval rate-limits register and escape fence queries
	ExpensiveProbeInterval = time.Millisecond

	// RingFullRetryTimeout bounds how long a submit waits for a ring slot
	RingFullRetryTimeout = 2 * time.Second

	// PresentThrottleDeadline bounds a present throttle wait before the
	// oldest in-flight present is dropped to preserve forward progress
	PresentThrottleDeadline = 2 * time.Second
)

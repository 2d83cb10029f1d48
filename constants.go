package aerogpu

import "github.com/aerovm/aerogpu-go/internal/constants"

// Re-export constants for public API
const (
	DefaultRingEntries         = constants.DefaultRingEntries
	DefaultCmdBufferSize       = constants.DefaultCmdBufferSize
	DefaultAllocTableSlots     = constants.DefaultAllocTableSlots
	DefaultArenaSize           = constants.DefaultArenaSize
	DefaultMaxPresentsInFlight = constants.DefaultMaxPresentsInFlight
	DefaultSubmissionLogSize   = constants.DefaultSubmissionLogSize
	RingFullRetryTimeout       = constants.RingFullRetryTimeout
	PresentThrottleDeadline    = constants.PresentThrottleDeadline
)

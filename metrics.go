package aerogpu

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the submit-to-retire latency histogram buckets in
// nanoseconds. Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a device
type Metrics struct {
	// Submission counters
	Submissions  atomic.Uint64 // Ring submissions published
	Presents     atomic.Uint64 // Submissions carrying a present
	Packets      atomic.Uint64 // Command packets encoded
	PacketBytes  atomic.Uint64 // Command stream bytes submitted
	AllocEntries atomic.Uint64 // Allocation table entries submitted

	// Capacity events; these are internal flushes, not errors
	EncoderFlushes atomic.Uint64 // Flushes forced by command buffer exhaustion
	TableFlushes   atomic.Uint64 // Flushes forced by allocation table exhaustion
	RingFullStalls atomic.Uint64 // Produce attempts that found every slot in flight

	// Fence activity
	FenceWaits    atomic.Uint64 // Bounded or infinite fence waits
	FenceTimeouts atomic.Uint64 // Waits that returned not-ready
	ProbeQueries  atomic.Uint64 // Completion probe round trips
	PresentDrops  atomic.Uint64 // Oldest presents dropped at the throttle deadline

	// Error counters
	SubmitErrors    atomic.Uint64 // Failed submissions
	TransportErrors atomic.Uint64 // Transport-level failures

	// Ring occupancy statistics
	RingDepthTotal atomic.Uint64 // Cumulative occupancy samples
	RingDepthCount atomic.Uint64 // Number of occupancy measurements
	MaxRingDepth   atomic.Uint32 // Maximum observed occupancy

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submit-to-retire latency in nanoseconds
	RetiredCount   atomic.Uint64 // Retired submissions (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of submissions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device open timestamp (UnixNano)
	StopTime  atomic.Int64 // Device close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmission records a published submission
func (m *Metrics) RecordSubmission(packets uint32, bytes uint64, allocEntries int, present bool) {
	m.Submissions.Add(1)
	if present {
		m.Presents.Add(1)
	}
	m.Packets.Add(uint64(packets))
	m.PacketBytes.Add(bytes)
	m.AllocEntries.Add(uint64(allocEntries))
}

// RecordCapacityFlush records an internal flush forced by capacity
func (m *Metrics) RecordCapacityFlush(encoder bool) {
	if encoder {
		m.EncoderFlushes.Add(1)
	} else {
		m.TableFlushes.Add(1)
	}
}

// RecordRingFull records a produce attempt against a full ring
func (m *Metrics) RecordRingFull() {
	m.RingFullStalls.Add(1)
}

// RecordWait records a fence wait and its outcome
func (m *Metrics) RecordWait(timedOut bool) {
	m.FenceWaits.Add(1)
	if timedOut {
		m.FenceTimeouts.Add(1)
	}
}

// RecordProbe records a completion probe round trip
func (m *Metrics) RecordProbe() {
	m.ProbeQueries.Add(1)
}

// RecordPresentDrop records an oldest-present drop at the throttle deadline
func (m *Metrics) RecordPresentDrop() {
	m.PresentDrops.Add(1)
}

// RecordSubmitError records a failed submission
func (m *Metrics) RecordSubmitError(transport bool) {
	m.SubmitErrors.Add(1)
	if transport {
		m.TransportErrors.Add(1)
	}
}

// RecordRetired records a retired submission's submit-to-retire latency
func (m *Metrics) RecordRetired(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.RetiredCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordRingDepth records current ring occupancy for statistics
func (m *Metrics) RecordRingDepth(depth uint32) {
	m.RingDepthTotal.Add(uint64(depth))
	m.RingDepthCount.Add(1)

	// Update max occupancy atomically
	for {
		current := m.MaxRingDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxRingDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// Stop marks the device as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Submissions
	Submissions  uint64
	Presents     uint64
	Packets      uint64
	PacketBytes  uint64
	AllocEntries uint64

	// Capacity events
	EncoderFlushes uint64
	TableFlushes   uint64
	RingFullStalls uint64

	// Fence activity
	FenceWaits    uint64
	FenceTimeouts uint64
	ProbeQueries  uint64
	PresentDrops  uint64

	// Error counts
	SubmitErrors    uint64
	TransportErrors uint64

	// Ring occupancy
	AvgRingDepth float64
	MaxRingDepth uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	SubmitRate     float64 // Submissions per second
	Bandwidth      float64 // Command stream bytes per second
	TimeoutRate    float64 // Percentage of waits that timed out
	SubmitFailRate float64 // Percentage of submissions that failed
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submissions:     m.Submissions.Load(),
		Presents:        m.Presents.Load(),
		Packets:         m.Packets.Load(),
		PacketBytes:     m.PacketBytes.Load(),
		AllocEntries:    m.AllocEntries.Load(),
		EncoderFlushes:  m.EncoderFlushes.Load(),
		TableFlushes:    m.TableFlushes.Load(),
		RingFullStalls:  m.RingFullStalls.Load(),
		FenceWaits:      m.FenceWaits.Load(),
		FenceTimeouts:   m.FenceTimeouts.Load(),
		ProbeQueries:    m.ProbeQueries.Load(),
		PresentDrops:    m.PresentDrops.Load(),
		SubmitErrors:    m.SubmitErrors.Load(),
		TransportErrors: m.TransportErrors.Load(),
		MaxRingDepth:    m.MaxRingDepth.Load(),
	}

	// Calculate average ring occupancy
	depthTotal := m.RingDepthTotal.Load()
	depthCount := m.RingDepthCount.Load()
	if depthCount > 0 {
		snap.AvgRingDepth = float64(depthTotal) / float64(depthCount)
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	retired := m.RetiredCount.Load()
	if retired > 0 {
		snap.AvgLatencyNs = totalLatencyNs / retired
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Calculate rates
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.SubmitRate = float64(snap.Submissions) / uptimeSeconds
		snap.Bandwidth = float64(snap.PacketBytes) / uptimeSeconds
	}
	if snap.FenceWaits > 0 {
		snap.TimeoutRate = float64(snap.FenceTimeouts) / float64(snap.FenceWaits) * 100.0
	}
	if snap.Submissions > 0 {
		snap.SubmitFailRate = float64(snap.SubmitErrors) / float64(snap.Submissions) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if retired > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.RetiredCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Submissions.Store(0)
	m.Presents.Store(0)
	m.Packets.Store(0)
	m.PacketBytes.Store(0)
	m.AllocEntries.Store(0)
	m.EncoderFlushes.Store(0)
	m.TableFlushes.Store(0)
	m.RingFullStalls.Store(0)
	m.FenceWaits.Store(0)
	m.FenceTimeouts.Store(0)
	m.ProbeQueries.Store(0)
	m.PresentDrops.Store(0)
	m.SubmitErrors.Store(0)
	m.TransportErrors.Store(0)
	m.RingDepthTotal.Store(0)
	m.RingDepthCount.Store(0)
	m.MaxRingDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.RetiredCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveSubmission is called for each published submission
	ObserveSubmission(packets uint32, bytes uint64, allocEntries int, present bool)

	// ObserveRetired is called when a submission's fence retires
	ObserveRetired(latencyNs uint64)

	// ObserveWait is called for each fence wait
	ObserveWait(timedOut bool)

	// ObserveRingDepth is called with ring occupancy at each submit
	ObserveRingDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmission(uint32, uint64, int, bool) {}
func (NoOpObserver) ObserveRetired(uint64)                       {}
func (NoOpObserver) ObserveWait(bool)                            {}
func (NoOpObserver) ObserveRingDepth(uint32)                     {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmission(packets uint32, bytes uint64, allocEntries int, present bool) {
	o.metrics.RecordSubmission(packets, bytes, allocEntries, present)
}

func (o *MetricsObserver) ObserveRetired(latencyNs uint64) {
	o.metrics.RecordRetired(latencyNs)
}

func (o *MetricsObserver) ObserveWait(timedOut bool) {
	o.metrics.RecordWait(timedOut)
}

func (o *MetricsObserver) ObserveRingDepth(depth uint32) {
	o.metrics.RecordRingDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

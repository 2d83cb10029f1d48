package aerogpu

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Initial state
	snap := m.Snapshot()
	if snap.Submissions != 0 {
		t.Errorf("Expected 0 initial submissions, got %d", snap.Submissions)
	}

	// Record some submissions
	m.RecordSubmission(3, 1024, 2, false)
	m.RecordSubmission(1, 512, 0, true)
	m.RecordSubmission(5, 2048, 4, false)

	snap = m.Snapshot()

	if snap.Submissions != 3 {
		t.Errorf("Expected 3 submissions, got %d", snap.Submissions)
	}
	if snap.Presents != 1 {
		t.Errorf("Expected 1 present, got %d", snap.Presents)
	}
	if snap.Packets != 9 {
		t.Errorf("Expected 9 packets, got %d", snap.Packets)
	}
	if snap.PacketBytes != 3584 {
		t.Errorf("Expected 3584 packet bytes, got %d", snap.PacketBytes)
	}
	if snap.AllocEntries != 6 {
		t.Errorf("Expected 6 alloc entries, got %d", snap.AllocEntries)
	}
}

func TestMetricsCapacityEvents(t *testing.T) {
	m := NewMetrics()

	m.RecordCapacityFlush(true)
	m.RecordCapacityFlush(true)
	m.RecordCapacityFlush(false)
	m.RecordRingFull()

	snap := m.Snapshot()
	if snap.EncoderFlushes != 2 {
		t.Errorf("Expected 2 encoder flushes, got %d", snap.EncoderFlushes)
	}
	if snap.TableFlushes != 1 {
		t.Errorf("Expected 1 table flush, got %d", snap.TableFlushes)
	}
	if snap.RingFullStalls != 1 {
		t.Errorf("Expected 1 ring-full stall, got %d", snap.RingFullStalls)
	}
}

func TestMetricsWaitRates(t *testing.T) {
	m := NewMetrics()

	m.RecordWait(false)
	m.RecordWait(false)
	m.RecordWait(true)
	m.RecordWait(false)

	snap := m.Snapshot()
	if snap.FenceWaits != 4 {
		t.Errorf("Expected 4 waits, got %d", snap.FenceWaits)
	}
	if snap.FenceTimeouts != 1 {
		t.Errorf("Expected 1 timeout, got %d", snap.FenceTimeouts)
	}

	expected := 25.0
	if snap.TimeoutRate < expected-0.1 || snap.TimeoutRate > expected+0.1 {
		t.Errorf("Expected timeout rate ~%.1f%%, got %.1f%%", expected, snap.TimeoutRate)
	}
}

func TestMetricsRingDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordRingDepth(10)
	m.RecordRingDepth(20)
	m.RecordRingDepth(6)

	snap := m.Snapshot()
	if snap.MaxRingDepth != 20 {
		t.Errorf("Expected max ring depth 20, got %d", snap.MaxRingDepth)
	}

	expectedAvg := 12.0
	if snap.AvgRingDepth < expectedAvg-0.1 || snap.AvgRingDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg ring depth ~%.1f, got %.1f", expectedAvg, snap.AvgRingDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRetired(1000000) // 1ms
	m.RecordRetired(2000000) // 2ms
	m.RecordRetired(3000000) // 3ms

	snap := m.Snapshot()
	if snap.AvgLatencyNs != 2000000 {
		t.Errorf("Expected avg latency 2ms, got %dns", snap.AvgLatencyNs)
	}
	if snap.LatencyP50Ns == 0 {
		t.Error("Expected non-zero P50 after retirements")
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// One observation per bucket boundary neighborhood
	m.RecordRetired(500)        // < 1us
	m.RecordRetired(5000)       // < 10us
	m.RecordRetired(50000000)   // < 100ms
	m.RecordRetired(5000000000) // < 10s

	// Buckets are cumulative: each observation lands in every bucket at
	// or above its latency.
	snap := m.Snapshot()
	if snap.LatencyHistogram[0] != 1 {
		t.Errorf("Expected 1 observation <= 1us, got %d", snap.LatencyHistogram[0])
	}
	if last := snap.LatencyHistogram[numLatencyBuckets-1]; last != 4 {
		t.Errorf("Expected all 4 observations <= 10s, got %d", last)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < uint64(5*time.Millisecond) {
		t.Errorf("Expected uptime >= 5ms, got %dns", snap.UptimeNs)
	}

	m.Stop()
	stopped := m.Snapshot().UptimeNs
	time.Sleep(10 * time.Millisecond)
	if m.Snapshot().UptimeNs != stopped {
		t.Error("Uptime should freeze after Stop")
	}
}

func TestMetricsErrorRates(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmission(1, 64, 0, false)
	m.RecordSubmission(1, 64, 0, false)
	m.RecordSubmitError(true)
	m.RecordSubmitError(false)

	snap := m.Snapshot()
	if snap.SubmitErrors != 2 {
		t.Errorf("Expected 2 submit errors, got %d", snap.SubmitErrors)
	}
	if snap.TransportErrors != 1 {
		t.Errorf("Expected 1 transport error, got %d", snap.TransportErrors)
	}

	expected := 100.0
	if snap.SubmitFailRate < expected-0.1 || snap.SubmitFailRate > expected+0.1 {
		t.Errorf("Expected submit fail rate ~%.1f%%, got %.1f%%", expected, snap.SubmitFailRate)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmission(2, 256, 1, true)
	m.RecordWait(true)
	m.RecordRetired(1000000)
	m.RecordRingDepth(8)

	m.Reset()

	snap := m.Snapshot()
	if snap.Submissions != 0 || snap.FenceWaits != 0 || snap.AvgLatencyNs != 0 {
		t.Error("Expected zeroed counters after Reset")
	}
	if snap.MaxRingDepth != 0 {
		t.Errorf("Expected zero max ring depth after Reset, got %d", snap.MaxRingDepth)
	}
}

func TestObserver(t *testing.T) {
	m := NewMetrics()
	var o Observer = NewMetricsObserver(m)

	o.ObserveSubmission(4, 1024, 3, true)
	o.ObserveRetired(2000000)
	o.ObserveWait(false)
	o.ObserveRingDepth(12)

	snap := m.Snapshot()
	if snap.Submissions != 1 || snap.Presents != 1 {
		t.Errorf("Expected observer to feed metrics, got %+v", snap)
	}
	if snap.MaxRingDepth != 12 {
		t.Errorf("Expected max ring depth 12, got %d", snap.MaxRingDepth)
	}

	// NoOpObserver satisfies the interface and does nothing
	var noop Observer = NoOpObserver{}
	noop.ObserveSubmission(1, 1, 1, false)
	noop.ObserveRetired(1)
	noop.ObserveWait(true)
	noop.ObserveRingDepth(1)
}

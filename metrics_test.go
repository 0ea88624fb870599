package rnvme

import (
	"testing"
)

func TestMetricsRecordAndSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(4096, 500, true)
	m.RecordRead(4096, 500, false)
	m.RecordWrite(8192, 500, true)
	m.RecordFlush(500, false)
	m.RecordAdmin(500, true)

	s := m.Snapshot()
	if s.ReadOps != 2 || s.WriteOps != 1 || s.FlushOps != 1 || s.AdminOps != 1 {
		t.Errorf("ops = %d/%d/%d/%d", s.ReadOps, s.WriteOps, s.FlushOps, s.AdminOps)
	}
	if s.TotalOps != 5 {
		t.Errorf("TotalOps = %d, want 5", s.TotalOps)
	}

	// Failed operations count as ops but not as bytes.
	if s.ReadBytes != 4096 || s.WriteBytes != 8192 {
		t.Errorf("bytes = %d/%d", s.ReadBytes, s.WriteBytes)
	}
	if s.TotalBytes != 12288 {
		t.Errorf("TotalBytes = %d, want 12288", s.TotalBytes)
	}
	if s.ReadErrors != 1 || s.FlushErrors != 1 || s.WriteErrors != 0 {
		t.Errorf("errors = %d/%d/%d", s.ReadErrors, s.WriteErrors, s.FlushErrors)
	}

	// 2 failures out of 5 operations.
	if s.ErrorRate != 40.0 {
		t.Errorf("ErrorRate = %v, want 40", s.ErrorRate)
	}
	if s.AvgLatencyNs != 500 {
		t.Errorf("AvgLatencyNs = %d, want 500", s.AvgLatencyNs)
	}
	if s.UptimeNs == 0 {
		t.Error("UptimeNs = 0")
	}
}

func TestRecordQueueDepth(t *testing.T) {
	m := NewMetrics()
	for _, d := range []uint32{1, 3, 8, 2} {
		m.RecordQueueDepth(d)
	}
	s := m.Snapshot()
	if s.MaxQueueDepth != 8 {
		t.Errorf("MaxQueueDepth = %d, want 8", s.MaxQueueDepth)
	}
	if s.AvgQueueDepth != 3.5 {
		t.Errorf("AvgQueueDepth = %v, want 3.5", s.AvgQueueDepth)
	}
}

func TestLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	// 100 operations at 500ns: every op lands in the first bucket, so
	// percentiles interpolate inside [0, 1us).
	for i := 0; i < 100; i++ {
		m.RecordRead(4096, 500, true)
	}
	s := m.Snapshot()
	if s.LatencyHistogram[0] != 100 {
		t.Fatalf("first bucket = %d, want 100", s.LatencyHistogram[0])
	}
	// The histogram is cumulative.
	if s.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("last bucket = %d, want 100", s.LatencyHistogram[numLatencyBuckets-1])
	}
	if s.LatencyP50Ns != 500 {
		t.Errorf("P50 = %d, want 500", s.LatencyP50Ns)
	}
	if s.LatencyP99Ns != 990 {
		t.Errorf("P99 = %d, want 990", s.LatencyP99Ns)
	}
	if s.LatencyP50Ns > s.LatencyP99Ns || s.LatencyP99Ns > s.LatencyP999Ns {
		t.Errorf("percentiles not monotonic: %d/%d/%d",
			s.LatencyP50Ns, s.LatencyP99Ns, s.LatencyP999Ns)
	}
}

func TestLatencyAboveAllBuckets(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(4096, 20_000_000_000, true) // beyond the 10s bucket
	m.RecordRead(4096, 30_000_000_000, true)
	s := m.Snapshot()
	for i, n := range s.LatencyHistogram {
		if n != 0 {
			t.Errorf("bucket %d = %d, want 0", i, n)
		}
	}
	if s.LatencyP99Ns != LatencyBuckets[numLatencyBuckets-1] {
		t.Errorf("P99 = %d, want top bucket", s.LatencyP99Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordWrite(4096, 500, true)
	m.RecordQueueDepth(5)
	m.Timeouts.Add(2)
	m.Resets.Add(1)

	m.Reset()
	s := m.Snapshot()
	if s.TotalOps != 0 || s.TotalBytes != 0 || s.Timeouts != 0 || s.Resets != 0 {
		t.Errorf("counters survived Reset: %+v", s)
	}
	if s.MaxQueueDepth != 0 || s.AvgQueueDepth != 0 {
		t.Errorf("queue stats survived Reset: %+v", s)
	}
	if s.LatencyP50Ns != 0 {
		t.Errorf("percentiles survived Reset: %d", s.LatencyP50Ns)
	}
}

func TestMetricsObserverRoutes(t *testing.T) {
	m := NewMetrics()
	var o Observer = NewMetricsObserver(m)

	o.ObserveRead(4096, 100, true)
	o.ObserveWrite(4096, 100, true)
	o.ObserveFlush(100, true)
	o.ObserveAdmin(100, false)
	o.ObserveQueueDepth(3)

	s := m.Snapshot()
	if s.ReadOps != 1 || s.WriteOps != 1 || s.FlushOps != 1 || s.AdminOps != 1 {
		t.Errorf("ops = %d/%d/%d/%d", s.ReadOps, s.WriteOps, s.FlushOps, s.AdminOps)
	}
	if s.AdminErrors != 1 {
		t.Errorf("AdminErrors = %d, want 1", s.AdminErrors)
	}
	if s.MaxQueueDepth != 3 {
		t.Errorf("MaxQueueDepth = %d, want 3", s.MaxQueueDepth)
	}
}

func TestMetricsStopFreezesUptime(t *testing.T) {
	m := NewMetrics()
	m.Stop()
	s1 := m.Snapshot()
	s2 := m.Snapshot()
	if s1.UptimeNs != s2.UptimeNs {
		t.Errorf("uptime moved after Stop: %d != %d", s1.UptimeNs, s2.UptimeNs)
	}
}

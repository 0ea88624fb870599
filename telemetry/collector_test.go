package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	rnvme "github.com/behrlich/go-rnvme"
)

func testSnapshot() rnvme.MetricsSnapshot {
	return rnvme.MetricsSnapshot{
		ReadOps:       100,
		WriteOps:      50,
		FlushOps:      5,
		AdminOps:      8,
		ReadBytes:     409600,
		WriteBytes:    204800,
		ReadErrors:    1,
		Timeouts:      2,
		AbortsSent:    1,
		Resets:        1,
		AsyncEvents:   3,
		AvgQueueDepth: 2.5,
		MaxQueueDepth: 7,
		AvgLatencyNs:  500_000,
		UptimeNs:      2_000_000_000,
	}
}

func TestCollectorExportsSnapshot(t *testing.T) {
	col := NewSnapshotCollector(testSnapshot, "test-ctrl")

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(col); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if n := testutil.CollectAndCount(col); n != 20 {
		t.Errorf("collected %d metrics, want 20", n)
	}

	expected := `
# HELP rnvme_read_commands_total Read commands submitted.
# TYPE rnvme_read_commands_total counter
rnvme_read_commands_total{controller="test-ctrl"} 100
# HELP rnvme_write_commands_total Write commands submitted.
# TYPE rnvme_write_commands_total counter
rnvme_write_commands_total{controller="test-ctrl"} 50
# HELP rnvme_queue_depth_max Maximum observed outstanding commands.
# TYPE rnvme_queue_depth_max gauge
rnvme_queue_depth_max{controller="test-ctrl"} 7
# HELP rnvme_command_latency_avg_seconds Mean command latency.
# TYPE rnvme_command_latency_avg_seconds gauge
rnvme_command_latency_avg_seconds{controller="test-ctrl"} 0.0005
# HELP rnvme_uptime_seconds Time since the controller was created.
# TYPE rnvme_uptime_seconds gauge
rnvme_uptime_seconds{controller="test-ctrl"} 2
`
	err := testutil.CollectAndCompare(col, strings.NewReader(expected),
		"rnvme_read_commands_total",
		"rnvme_write_commands_total",
		"rnvme_queue_depth_max",
		"rnvme_command_latency_avg_seconds",
		"rnvme_uptime_seconds",
	)
	if err != nil {
		t.Errorf("CollectAndCompare: %v", err)
	}
}

func TestCollectorFollowsSource(t *testing.T) {
	// The collector reads the snapshot at scrape time, not at build time.
	var reads uint64
	col := NewSnapshotCollector(func() rnvme.MetricsSnapshot {
		return rnvme.MetricsSnapshot{ReadOps: reads}
	}, "c1")

	reads = 1
	m := collectOne(t, col, "rnvme_read_commands_total")
	if m != 1 {
		t.Errorf("scrape = %v, want 1", m)
	}
	reads = 5
	m = collectOne(t, col, "rnvme_read_commands_total")
	if m != 5 {
		t.Errorf("scrape = %v, want 5", m)
	}
}

// collectOne scrapes the collector and returns the value of the named
// metric.
func collectOne(t *testing.T, col prometheus.Collector, name string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(col); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not scraped", name)
	return 0
}

// Package telemetry exports controller metrics to Prometheus. The
// library never starts an HTTP server; consumers register the Collector
// with their own registry and scrape it however they already do.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	rnvme "github.com/behrlich/go-rnvme"
)

const namespace = "rnvme"

// Collector adapts a controller's metrics snapshot to the Prometheus
// collect protocol. Every metric carries the controller instance id as
// a constant label, so several controllers can share one registry.
type Collector struct {
	snapshot func() rnvme.MetricsSnapshot

	readOps     *prometheus.Desc
	writeOps    *prometheus.Desc
	flushOps    *prometheus.Desc
	adminOps    *prometheus.Desc
	readBytes   *prometheus.Desc
	writeBytes  *prometheus.Desc
	readErrors  *prometheus.Desc
	writeErrors *prometheus.Desc
	flushErrors *prometheus.Desc
	adminErrors *prometheus.Desc

	timeouts    *prometheus.Desc
	aborts      *prometheus.Desc
	resets      *prometheus.Desc
	asyncEvents *prometheus.Desc
	polled      *prometheus.Desc
	stale       *prometheus.Desc

	avgQueueDepth *prometheus.Desc
	maxQueueDepth *prometheus.Desc
	avgLatency    *prometheus.Desc
	uptime        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a collector over a live controller.
func NewCollector(c *rnvme.Controller) *Collector {
	return NewSnapshotCollector(c.MetricsSnapshot, c.ID())
}

// NewSnapshotCollector builds a collector over any snapshot source,
// labeled with the given controller id.
func NewSnapshotCollector(snapshot func() rnvme.MetricsSnapshot, id string) *Collector {
	labels := prometheus.Labels{"controller": id}
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &Collector{
		snapshot: snapshot,

		readOps:     counter("read_commands_total", "Read commands submitted."),
		writeOps:    counter("write_commands_total", "Write commands submitted."),
		flushOps:    counter("flush_commands_total", "Flush commands submitted."),
		adminOps:    counter("admin_commands_total", "Admin commands submitted."),
		readBytes:   counter("read_bytes_total", "Bytes read successfully."),
		writeBytes:  counter("write_bytes_total", "Bytes written successfully."),
		readErrors:  counter("read_errors_total", "Read commands that failed."),
		writeErrors: counter("write_errors_total", "Write commands that failed."),
		flushErrors: counter("flush_errors_total", "Flush commands that failed."),
		adminErrors: counter("admin_errors_total", "Admin commands that failed."),

		timeouts:    counter("command_timeouts_total", "Commands that hit their deadline."),
		aborts:      counter("aborts_sent_total", "Abort commands issued by the timeout ladder."),
		resets:      counter("controller_resets_total", "Controller reset cycles."),
		asyncEvents: counter("async_events_total", "Async event notifications received."),
		polled:      counter("polled_completions_total", "Timeouts resolved by polling the completion ring."),
		stale:       counter("stale_completions_total", "Completions dropped for unknown or stale tags."),

		avgQueueDepth: counter("queue_depth_avg", "Mean outstanding commands at submission time."),
		maxQueueDepth: counter("queue_depth_max", "Maximum observed outstanding commands."),
		avgLatency:    counter("command_latency_avg_seconds", "Mean command latency."),
		uptime:        counter("uptime_seconds", "Time since the controller was created."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs() {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.readOps, s.ReadOps)
	counter(c.writeOps, s.WriteOps)
	counter(c.flushOps, s.FlushOps)
	counter(c.adminOps, s.AdminOps)
	counter(c.readBytes, s.ReadBytes)
	counter(c.writeBytes, s.WriteBytes)
	counter(c.readErrors, s.ReadErrors)
	counter(c.writeErrors, s.WriteErrors)
	counter(c.flushErrors, s.FlushErrors)
	counter(c.adminErrors, s.AdminErrors)

	counter(c.timeouts, s.Timeouts)
	counter(c.aborts, s.AbortsSent)
	counter(c.resets, s.Resets)
	counter(c.asyncEvents, s.AsyncEvents)
	counter(c.polled, s.PolledCompletions)
	counter(c.stale, s.StaleCompletions)

	gauge(c.avgQueueDepth, s.AvgQueueDepth)
	gauge(c.maxQueueDepth, float64(s.MaxQueueDepth))
	gauge(c.avgLatency, float64(s.AvgLatencyNs)/1e9)
	gauge(c.uptime, float64(s.UptimeNs)/1e9)
}

func (c *Collector) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		c.readOps, c.writeOps, c.flushOps, c.adminOps,
		c.readBytes, c.writeBytes,
		c.readErrors, c.writeErrors, c.flushErrors, c.adminErrors,
		c.timeouts, c.aborts, c.resets, c.asyncEvents, c.polled, c.stale,
		c.avgQueueDepth, c.maxQueueDepth, c.avgLatency, c.uptime,
	}
}

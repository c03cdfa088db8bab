// Package metrics backs the daemon's lifetime counters with a Prometheus
// registry, the way backend/correlator's internal/metrics wraps its own
// Gauges behind Set* methods. Unlike the correlator, nothing here is
// served over HTTP: spec.md's control plane is reachable only over the
// local Unix socket, so the registry exists purely so Set/observe calls
// go through real prometheus.Collector types instead of bare atomics —
// the wire shape control.StatsSnapshot exposes is unaffected.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the fields of control.StatsSnapshot as Prometheus
// Gauges, updated each time the daemon computes a fresh snapshot. Every
// field except uptime_seconds has a Gauge.
type Metrics struct {
	registry *prometheus.Registry

	restartCount    prometheus.Gauge
	queuePushed     prometheus.Gauge
	queuePopped     prometheus.Gauge
	queueDropped    prometheus.Gauge
	dispatched      prometheus.Gauge
	storeErrors     prometheus.Gauge
	eventsStored    prometheus.Gauge
	linesRead       prometheus.Gauge
	parseErrors     prometheus.Gauge
	packetsCaptured prometheus.Gauge
	packetsDropped  prometheus.Gauge
	alertsTotal     prometheus.Gauge
	flowsActive     prometheus.Gauge
	memoryMB        prometheus.Gauge
	latencyMicros   prometheus.Gauge
	throughput      prometheus.Gauge
}

// New creates a Metrics with its own private registry (never an HTTP
// handler mounted over it) and registers every Gauge.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		restartCount:    gauge("vnidsd_restart_count", "Supervisor restart count."),
		queuePushed:     gauge("vnidsd_queue_pushed_total", "Events pushed onto the event queue."),
		queuePopped:     gauge("vnidsd_queue_popped_total", "Events popped from the event queue."),
		queueDropped:    gauge("vnidsd_queue_dropped_total", "Events dropped because the queue was full."),
		dispatched:      gauge("vnidsd_dispatched_total", "Events handed to the dispatcher."),
		storeErrors:     gauge("vnidsd_store_errors_total", "Store insert failures."),
		eventsStored:    gauge("vnidsd_events_stored", "Rows currently held in the event store."),
		linesRead:       gauge("vnidsd_lines_read_total", "NDJSON lines read from the ingest socket."),
		parseErrors:     gauge("vnidsd_parse_errors_total", "NDJSON lines that failed to parse."),
		packetsCaptured: gauge("vnidsd_packets_captured", "Last reported packets captured."),
		packetsDropped:  gauge("vnidsd_packets_dropped", "Last reported packets dropped."),
		alertsTotal:     gauge("vnidsd_alerts_total", "Last reported cumulative alert count."),
		flowsActive:     gauge("vnidsd_flows_active", "Last reported active flow count."),
		memoryMB:        gauge("vnidsd_memory_mb", "Last reported subprocess memory usage, MB."),
		latencyMicros:   gauge("vnidsd_latency_micros", "Last reported per-event latency, microseconds."),
		throughput:      gauge("vnidsd_throughput", "Last reported events-per-second throughput."),
	}

	m.registry.MustRegister(
		m.restartCount, m.queuePushed, m.queuePopped, m.queueDropped,
		m.dispatched, m.storeErrors, m.eventsStored, m.linesRead, m.parseErrors,
		m.packetsCaptured, m.packetsDropped, m.alertsTotal, m.flowsActive,
		m.memoryMB, m.latencyMicros, m.throughput,
	)
	return m
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// Snapshot is the subset of control.StatsSnapshot Observe needs; kept
// local so this package doesn't import internal/control.
type Snapshot struct {
	RestartCount    int
	QueuePushed     int64
	QueuePopped     int64
	QueueDropped    int64
	Dispatched      int64
	StoreErrors     int64
	EventsStored    int64
	LinesRead       int64
	ParseErrors     int64
	PacketsCaptured int64
	PacketsDropped  int64
	AlertsTotal     int64
	FlowsActive     int64
	MemoryMB        int64
	LatencyMicros   int64
	Throughput      float64
}

// Observe sets every Gauge from a freshly computed snapshot. It is called
// once per GetStats, so the registry always reflects the last value a
// control-plane client saw.
func (m *Metrics) Observe(s Snapshot) {
	m.restartCount.Set(float64(s.RestartCount))
	m.queuePushed.Set(float64(s.QueuePushed))
	m.queuePopped.Set(float64(s.QueuePopped))
	m.queueDropped.Set(float64(s.QueueDropped))
	m.dispatched.Set(float64(s.Dispatched))
	m.storeErrors.Set(float64(s.StoreErrors))
	m.eventsStored.Set(float64(s.EventsStored))
	m.linesRead.Set(float64(s.LinesRead))
	m.parseErrors.Set(float64(s.ParseErrors))
	m.packetsCaptured.Set(float64(s.PacketsCaptured))
	m.packetsDropped.Set(float64(s.PacketsDropped))
	m.alertsTotal.Set(float64(s.AlertsTotal))
	m.flowsActive.Set(float64(s.FlowsActive))
	m.memoryMB.Set(float64(s.MemoryMB))
	m.latencyMicros.Set(float64(s.LatencyMicros))
	m.throughput.Set(s.Throughput)
}

// Registry exposes the underlying prometheus.Registry for tests that want
// to assert a Gauge's current value via testutil; vnidsd itself never
// serves it over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

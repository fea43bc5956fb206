package gpuflow

import (
	"strconv"
	"sync/atomic"

	"github.com/delgado-oss/gpuflow/internal/interfaces"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the scheduler-visible statistics named by the data
// model's counters: executed tasks, bytes moved in/out (both the
// amount a task's flows required and the amount actually transferred,
// which diverge whenever a replica was already valid), and the number
// of times a task was rescheduled rather than run.
type Metrics struct {
	ExecutedTasks atomic.Uint64

	RequiredDataIn      atomic.Uint64
	TransferredDataIn   atomic.Uint64
	RequiredDataOut     atomic.Uint64
	TransferredDataOut  atomic.Uint64

	Reschedules atomic.Uint64
	Drains      atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordTaskCompleted increments the executed-task counter.
func (m *Metrics) RecordTaskCompleted() {
	m.ExecutedTasks.Add(1)
}

// RecordBytesIn accumulates one flow's stage-in accounting. transferred
// is added only when bytes were actually copied (src != -1 in
// TransferOwnershipToCopy); a flow whose replica was already valid
// still counts toward required.
func (m *Metrics) RecordBytesIn(required uint64, transferred bool) {
	m.RequiredDataIn.Add(required)
	if transferred {
		m.TransferredDataIn.Add(required)
	}
}

// RecordBytesOut accumulates one flow's stage-out accounting.
func (m *Metrics) RecordBytesOut(required uint64, transferred bool) {
	m.RequiredDataOut.Add(required)
	if transferred {
		m.TransferredDataOut.Add(required)
	}
}

// RecordReschedule increments the reschedule counter.
func (m *Metrics) RecordReschedule() {
	m.Reschedules.Add(1)
}

// RecordDrain increments the synthesized-drain counter.
func (m *Metrics) RecordDrain() {
	m.Drains.Add(1)
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ExecutedTasks      uint64
	RequiredDataIn     uint64
	TransferredDataIn  uint64
	RequiredDataOut    uint64
	TransferredDataOut uint64
	Reschedules        uint64
	Drains             uint64
}

// Snapshot takes a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ExecutedTasks:      m.ExecutedTasks.Load(),
		RequiredDataIn:     m.RequiredDataIn.Load(),
		TransferredDataIn:  m.TransferredDataIn.Load(),
		RequiredDataOut:    m.RequiredDataOut.Load(),
		TransferredDataOut: m.TransferredDataOut.Load(),
		Reschedules:        m.Reschedules.Load(),
		Drains:             m.Drains.Load(),
	}
}

// Reset zeroes every counter (useful for testing).
func (m *Metrics) Reset() {
	m.ExecutedTasks.Store(0)
	m.RequiredDataIn.Store(0)
	m.TransferredDataIn.Store(0)
	m.RequiredDataOut.Store(0)
	m.TransferredDataOut.Store(0)
	m.Reschedules.Store(0)
	m.Drains.Store(0)
}

// Observer is the public alias of the pluggable metrics-collection
// hook internal packages call through interfaces.Observer.
type Observer = interfaces.Observer

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTaskCompleted(int, uint64)     {}
func (NoOpObserver) ObserveBytesIn(int, uint64, bool)     {}
func (NoOpObserver) ObserveBytesOut(int, uint64, bool)    {}
func (NoOpObserver) ObserveLoad(int, float64)             {}
func (NoOpObserver) ObserveReschedule(int)                {}
func (NoOpObserver) ObserveDrain(int, int)                {}

// MetricsObserver implements Observer by recording to the built-in
// Metrics counters (deviceIndex/replicas breakdowns are discarded;
// Metrics is a fleet-wide rollup, not per-device).
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTaskCompleted(int, uint64) { o.metrics.RecordTaskCompleted() }
func (o *MetricsObserver) ObserveBytesIn(_ int, bytes uint64, transferred bool) {
	o.metrics.RecordBytesIn(bytes, transferred)
}
func (o *MetricsObserver) ObserveBytesOut(_ int, bytes uint64, transferred bool) {
	o.metrics.RecordBytesOut(bytes, transferred)
}
func (o *MetricsObserver) ObserveLoad(int, float64) {}
func (o *MetricsObserver) ObserveReschedule(int)    { o.metrics.RecordReschedule() }
func (o *MetricsObserver) ObserveDrain(int, int)    { o.metrics.RecordDrain() }

// PrometheusObserver implements Observer by exporting the same
// counters as prometheus collectors, for deployments that scrape
// rather than poll Metrics.Snapshot directly.
type PrometheusObserver struct {
	executedTasks      *prometheus.CounterVec
	taskLatencyNs      *prometheus.HistogramVec
	requiredDataIn     prometheus.Counter
	transferredDataIn  prometheus.Counter
	requiredDataOut    prometheus.Counter
	transferredDataOut prometheus.Counter
	reschedules        *prometheus.CounterVec
	drains             *prometheus.CounterVec
	load               *prometheus.GaugeVec
}

// NewPrometheusObserver creates an observer and registers its
// collectors with reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		executedTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuflow_executed_tasks_total",
			Help: "Total number of task envelopes completed, by device.",
		}, []string{"device"}),
		taskLatencyNs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpuflow_task_latency_ns",
			Help:    "Per-task completion latency in nanoseconds, by device.",
			Buckets: prometheus.ExponentialBuckets(1e3, 4, 10),
		}, []string{"device"}),
		requiredDataIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuflow_required_data_in_bytes_total",
			Help: "Total bytes every stage-in flow required.",
		}),
		transferredDataIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuflow_transferred_data_in_bytes_total",
			Help: "Total bytes actually copied host to device.",
		}),
		requiredDataOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuflow_required_data_out_bytes_total",
			Help: "Total bytes every stage-out flow required.",
		}),
		transferredDataOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpuflow_transferred_data_out_bytes_total",
			Help: "Total bytes actually copied device to host.",
		}),
		reschedules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuflow_reschedules_total",
			Help: "Total number of tasks sent back to the pending queue for lack of device space, by device.",
		}, []string{"device"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpuflow_drains_total",
			Help: "Total number of replicas moved out by synthesized drain tasks, by device.",
		}, []string{"device"}),
		load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpuflow_device_load",
			Help: "Current selector load estimate per device.",
		}, []string{"device"}),
	}
	reg.MustRegister(o.executedTasks, o.taskLatencyNs, o.requiredDataIn, o.transferredDataIn,
		o.requiredDataOut, o.transferredDataOut, o.reschedules, o.drains, o.load)
	return o
}

func (o *PrometheusObserver) ObserveTaskCompleted(deviceIndex int, latencyNs uint64) {
	label := strconv.Itoa(deviceIndex)
	o.executedTasks.WithLabelValues(label).Inc()
	o.taskLatencyNs.WithLabelValues(label).Observe(float64(latencyNs))
}
func (o *PrometheusObserver) ObserveBytesIn(_ int, bytes uint64, transferred bool) {
	o.requiredDataIn.Add(float64(bytes))
	if transferred {
		o.transferredDataIn.Add(float64(bytes))
	}
}
func (o *PrometheusObserver) ObserveBytesOut(_ int, bytes uint64, transferred bool) {
	o.requiredDataOut.Add(float64(bytes))
	if transferred {
		o.transferredDataOut.Add(float64(bytes))
	}
}
func (o *PrometheusObserver) ObserveLoad(deviceIndex int, load float64) {
	o.load.WithLabelValues(strconv.Itoa(deviceIndex)).Set(load)
}
func (o *PrometheusObserver) ObserveReschedule(deviceIndex int) {
	o.reschedules.WithLabelValues(strconv.Itoa(deviceIndex)).Inc()
}
func (o *PrometheusObserver) ObserveDrain(deviceIndex int, replicas int) {
	o.drains.WithLabelValues(strconv.Itoa(deviceIndex)).Add(float64(replicas))
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*PrometheusObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

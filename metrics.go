package mqttloop

import "time"

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter { return noOpMetric{} }

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge { return noOpMetric{} }

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Inc()                            {}
func (noOpMetric) Add(_ float64)                   {}
func (noOpMetric) Set(_ float64)                   {}
func (noOpMetric) Value() float64                  { return 0 }
func (noOpMetric) Observe(_ float64)               {}
func (noOpMetric) ObserveDuration(_ time.Duration) {}
func (noOpMetric) Count() uint64                   { return 0 }
func (noOpMetric) Sum() float64                    { return 0 }

// Metric names reported by the I/O loop.
const (
	MetricLoopIterations   = "mqttloop_iterations_total"
	MetricWakeups          = "mqttloop_wakeups_total"
	MetricPacketsRead      = "mqttloop_packets_read_total"
	MetricPacketsWritten   = "mqttloop_packets_written_total"
	MetricDisconnects      = "mqttloop_disconnects_total"
	MetricReconnects       = "mqttloop_reconnect_attempts_total"
	MetricBackoffDelay     = "mqttloop_backoff_delay_seconds"
	MetricWorkBudget       = "mqttloop_work_budget"
	MetricPendingDrainCaps = "mqttloop_pending_drain_caps_total"
)

// LabelResult distinguishes clean and failed disconnects.
const LabelResult = "result"

// loopMetrics wraps Metrics with the loop's instruments.
type loopMetrics struct {
	metrics Metrics
}

func newLoopMetrics(m Metrics) *loopMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &loopMetrics{metrics: m}
}

func (l *loopMetrics) iteration() {
	l.metrics.Counter(MetricLoopIterations, nil).Inc()
}

func (l *loopMetrics) wakeup() {
	l.metrics.Counter(MetricWakeups, nil).Inc()
}

func (l *loopMetrics) packetsRead(n int) {
	if n > 0 {
		l.metrics.Counter(MetricPacketsRead, nil).Add(float64(n))
	}
}

func (l *loopMetrics) packetsWritten(n int) {
	if n > 0 {
		l.metrics.Counter(MetricPacketsWritten, nil).Add(float64(n))
	}
}

func (l *loopMetrics) budget(n int) {
	l.metrics.Gauge(MetricWorkBudget, nil).Set(float64(n))
}

func (l *loopMetrics) disconnect(err error) {
	result := "clean"
	if err != nil {
		result = "error"
	}
	l.metrics.Counter(MetricDisconnects, MetricLabels{LabelResult: result}).Inc()
}

func (l *loopMetrics) reconnect(delay time.Duration) {
	l.metrics.Counter(MetricReconnects, nil).Inc()
	l.metrics.Histogram(MetricBackoffDelay, nil).ObserveDuration(delay)
}

func (l *loopMetrics) drainCapped() {
	l.metrics.Counter(MetricPendingDrainCaps, nil).Inc()
}

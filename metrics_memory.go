package mqttloop

import (
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics is an in-memory implementation of Metrics for testing.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]*memoryValue
	gauges     map[string]*memoryValue
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryValue),
		gauges:     make(map[string]*memoryValue),
		histograms: make(map[string]*memoryHistogram),
	}
}

// labelsKey builds a stable key; label names are sorted.
func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}

	return b.String()
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.value(m.counters, labelsKey(name, labels))
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.value(m.gauges, labelsKey(name, labels))
}

func (m *MemoryMetrics) value(set map[string]*memoryValue, key string) *memoryValue {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := set[key]
	if !ok {
		v = &memoryValue{}
		set[key] = v
	}

	return v
}

// Histogram returns a histogram metric.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.histograms[key]
	if !ok {
		h = &memoryHistogram{}
		m.histograms[key] = h
	}

	return h
}

// CounterValue returns the current value of a counter, zero if never touched.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.counters[labelsKey(name, labels)]; ok {
		return v.Value()
	}
	return 0
}

// GaugeValue returns the current value of a gauge, zero if never touched.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.gauges[labelsKey(name, labels)]; ok {
		return v.Value()
	}
	return 0
}

// HistogramCount returns the number of observations of a histogram.
func (m *MemoryMetrics) HistogramCount(name string, labels MetricLabels) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[labelsKey(name, labels)]; ok {
		return h.Count()
	}
	return 0
}

// memoryValue backs both counters and gauges.
type memoryValue struct {
	bits atomic.Uint64
}

func (v *memoryValue) Inc() { v.Add(1) }

func (v *memoryValue) Add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (v *memoryValue) Set(value float64) { v.bits.Store(math.Float64bits(value)) }

func (v *memoryValue) Value() float64 { return math.Float64frombits(v.bits.Load()) }

type memoryHistogram struct {
	count atomic.Uint64
	sum   memoryValue
}

func (h *memoryHistogram) Observe(value float64) {
	h.count.Add(1)
	h.sum.Add(value)
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 { return h.count.Load() }

func (h *memoryHistogram) Sum() float64 { return h.sum.Value() }

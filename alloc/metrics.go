package alloc

import (
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vkngwrapper/thinvec/layout"
)

// Metrics forwards every call to another allocator and exports Prometheus metrics about them
type Metrics[A Allocator] struct {
	inner A

	allocationsTotal   prometheus.Counter
	deallocationsTotal prometheus.Counter
	growsTotal         *prometheus.CounterVec
	failuresTotal      *prometheus.CounterVec
	dropFailuresTotal  prometheus.Counter
	liveBlocks         prometheus.Gauge
	liveBytes          prometheus.Gauge
}

var _ Allocator = &Metrics[Heap]{}
var _ DropReporter = &Metrics[Heap]{}

// NewMetrics wraps inner and registers its metrics with reg. Every metric carries an "allocator"
// const label set to name, so several wrapped allocators can share a registry.
func NewMetrics[A Allocator](inner A, reg prometheus.Registerer, name string) *Metrics[A] {
	labels := prometheus.Labels{"allocator": name}

	return &Metrics[A]{
		inner: inner,

		allocationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "thinvec_allocations_total",
			Help:        "Total number of vector blocks allocated.",
			ConstLabels: labels,
		}),
		deallocationsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "thinvec_deallocations_total",
			Help:        "Total number of vector blocks released.",
			ConstLabels: labels,
		}),
		growsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "thinvec_grows_total",
			Help:        "Total number of vector blocks grown, partitioned by whether the block moved.",
			ConstLabels: labels,
		}, []string{"moved"}),
		failuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name:        "thinvec_allocation_failures_total",
			Help:        "Total number of failed allocate or grow calls.",
			ConstLabels: labels,
		}, []string{"op"}),
		dropFailuresTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "thinvec_drop_failures_total",
			Help:        "Total number of vector drops in which at least one element failed to release its resources.",
			ConstLabels: labels,
		}),
		liveBlocks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "thinvec_live_blocks",
			Help:        "Number of vector blocks currently allocated.",
			ConstLabels: labels,
		}),
		liveBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "thinvec_live_bytes",
			Help:        "Total size in bytes of the vector blocks currently allocated.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics[A]) Allocate(l layout.Layout) (unsafe.Pointer, error) {
	block, err := m.inner.Allocate(l)
	if err != nil {
		m.failuresTotal.WithLabelValues("allocate").Inc()
		return nil, err
	}

	m.allocationsTotal.Inc()
	m.liveBlocks.Inc()
	m.liveBytes.Add(float64(l.Size))
	return block, nil
}

func (m *Metrics[A]) Deallocate(block unsafe.Pointer, l layout.Layout) {
	m.inner.Deallocate(block, l)

	m.deallocationsTotal.Inc()
	m.liveBlocks.Dec()
	m.liveBytes.Sub(float64(l.Size))
}

func (m *Metrics[A]) Grow(block unsafe.Pointer, oldLayout, newLayout layout.Layout) (unsafe.Pointer, error) {
	newBlock, err := m.inner.Grow(block, oldLayout, newLayout)
	if err != nil {
		m.failuresTotal.WithLabelValues("grow").Inc()
		return nil, err
	}

	moved := "true"
	if newBlock == block {
		moved = "false"
	}
	m.growsTotal.WithLabelValues(moved).Inc()
	m.liveBytes.Add(float64(newLayout.Size - oldLayout.Size))
	return newBlock, nil
}

func (m *Metrics[A]) ReportDropFailure(err error) {
	m.dropFailuresTotal.Inc()

	if reporter, ok := any(m.inner).(DropReporter); ok {
		reporter.ReportDropFailure(err)
	}
}

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for a patch queue.
//
// All methods are safe on a nil receiver, so a queue without metrics does
// not need to check.
type Metrics struct {
	patchesProduced prometheus.Counter
	patchesConsumed prometheus.Counter
	subjectsLoaded  prometheus.Counter
	workerErrors    prometheus.Counter
	epochs          prometheus.Counter
	buffered        prometheus.Gauge
}

// NewMetrics creates queue metrics and registers them with registry.
// If registry is nil the metrics are created but not registered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		patchesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "volpatch",
			Subsystem: "queue",
			Name:      "patches_produced_total",
			Help:      "Patches sampled and pushed into the buffer",
		}),
		patchesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "volpatch",
			Subsystem: "queue",
			Name:      "patches_consumed_total",
			Help:      "Patches handed to the consumer",
		}),
		subjectsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "volpatch",
			Subsystem: "queue",
			Name:      "subjects_loaded_total",
			Help:      "Subjects loaded and sampled",
		}),
		workerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "volpatch",
			Subsystem: "queue",
			Name:      "worker_errors_total",
			Help:      "Failures while loading or sampling a subject",
		}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "volpatch",
			Subsystem: "queue",
			Name:      "epochs_started_total",
			Help:      "Epochs started",
		}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "volpatch",
			Subsystem: "queue",
			Name:      "buffered_patches",
			Help:      "Patches currently waiting in the buffer",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.patchesProduced,
			m.patchesConsumed,
			m.subjectsLoaded,
			m.workerErrors,
			m.epochs,
			m.buffered,
		)
	}
	return m
}

func (m *Metrics) produced(buffered int) {
	if m == nil {
		return
	}
	m.patchesProduced.Inc()
	m.buffered.Set(float64(buffered))
}

func (m *Metrics) consumed(buffered int) {
	if m == nil {
		return
	}
	m.patchesConsumed.Inc()
	m.buffered.Set(float64(buffered))
}

func (m *Metrics) subjectLoaded() {
	if m == nil {
		return
	}
	m.subjectsLoaded.Inc()
}

func (m *Metrics) workerError() {
	if m == nil {
		return
	}
	m.workerErrors.Inc()
}

func (m *Metrics) epochStarted() {
	if m == nil {
		return
	}
	m.epochs.Inc()
	m.buffered.Set(0)
}

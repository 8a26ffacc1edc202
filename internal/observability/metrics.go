package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ScheduledSaves    *prometheus.CounterVec
	CoalescedSaves    prometheus.Counter
	Writes            *prometheus.CounterVec
	Saving            prometheus.Gauge
	WriteLatency      prometheus.Histogram
	StoreDegraded     prometheus.Gauge
	HistoryOperations *prometheus.CounterVec

	window *SaveLatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ScheduledSaves: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_scheduled_total",
			Help:      "Save requests handed to the autosave coordinator by module.",
		}, []string{"module"}),
		CoalescedSaves: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_coalesced_total",
			Help:      "Save requests that replaced a still-pending one for the same module.",
		}),
		Writes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autosave_writes_total",
			Help:      "Durable writes issued by the autosave coordinator by result.",
		}, []string{"result"}),
		Saving: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autosave_saving",
			Help:      "1 while any save is pending or in flight.",
		}),
		WriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "autosave_write_latency_ms",
			Help:      "Durable put latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		StoreDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_degraded",
			Help:      "1 when the durable backend failed to open and state is memory-only.",
		}),
		HistoryOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_operations_total",
			Help:      "Settings history operations by kind.",
		}, []string{"op"}),
		window: NewSaveLatencyWindow(256),
	}
}

// SetLatencyWindow replaces the rolling window used for perf snapshots.
func (m *Metrics) SetLatencyWindow(w *SaveLatencyWindow) {
	if m == nil || w == nil {
		return
	}
	m.window = w
}

func (m *Metrics) ObserveScheduled(moduleID string, coalesced bool) {
	if m == nil {
		return
	}
	m.ScheduledSaves.WithLabelValues(moduleID).Inc()
	if coalesced {
		m.CoalescedSaves.Inc()
		m.window.ObserveIndicator("coalesced")
	}
}

// ObserveWrite records one settled durable write. lag is the time between
// the first schedule of the burst and the write settling.
func (m *Metrics) ObserveWrite(d, lag time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
		m.window.ObserveIndicator("write_failed")
	}
	m.Writes.WithLabelValues(result).Inc()
	m.WriteLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe("durable_put", d)
	if lag > 0 {
		m.window.Observe("schedule_to_persist", lag)
	}
}

func (m *Metrics) SetSaving(saving bool) {
	if m == nil {
		return
	}
	if saving {
		m.Saving.Set(1)
		return
	}
	m.Saving.Set(0)
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.StoreDegraded.Set(1)
		return
	}
	m.StoreDegraded.Set(0)
}

func (m *Metrics) ObserveHistoryOp(op string) {
	if m == nil {
		return
	}
	m.HistoryOperations.WithLabelValues(op).Inc()
}

// SnapshotSaveLatency summarizes the rolling autosave latency window.
func (m *Metrics) SnapshotSaveLatency() SaveLatencySnapshot {
	if m == nil || m.window == nil {
		return NewSaveLatencyWindow(1).Snapshot()
	}
	return m.window.Snapshot()
}

// ResetSaveLatency clears the rolling window, typically before a benchmark
// run.
func (m *Metrics) ResetSaveLatency() {
	if m == nil {
		return
	}
	m.window.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

package queue

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one participant process. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveJobs     prometheus.Gauge
	WaitingEntries prometheus.Gauge
	QueuePosition  prometheus.Gauge

	AdmissionsTotal *prometheus.CounterVec
	PromotionsTotal prometheus.Counter
	ReleasesTotal   prometheus.Counter
	SweptTotal      *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "speechq"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Entries currently holding a processing slot",
		}),
		WaitingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiting_entries",
			Help:      "Entries waiting for a slot",
		}),
		QueuePosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_position",
			Help:      "1-based position of this participant among waiting entries, 0 when not waiting",
		}),
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by result",
		}, []string{"result"}),
		PromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Waiting entries promoted to processing by this process",
		}),
		ReleasesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Entries released by this process",
		}),
		SweptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_entries_total",
			Help:      "Entries changed by the stale sweep by action",
		}, []string{"action"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations by operation",
		}, []string{"op"}),
	}

	registry.MustRegister(
		m.ActiveJobs,
		m.WaitingEntries,
		m.QueuePosition,
		m.AdmissionsTotal,
		m.PromotionsTotal,
		m.ReleasesTotal,
		m.SweptTotal,
		m.StoreErrors,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeSnapshot(s Snapshot) {
	if m == nil {
		return
	}
	m.ActiveJobs.Set(float64(s.ActiveCount))
	m.WaitingEntries.Set(float64(s.WaitingCount))
	m.QueuePosition.Set(float64(s.Position))
}

func (m *Metrics) admission(result string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) promotion() {
	if m == nil {
		return
	}
	m.PromotionsTotal.Inc()
}

func (m *Metrics) release() {
	if m == nil {
		return
	}
	m.ReleasesTotal.Inc()
}

func (m *Metrics) swept(r SweepReport) {
	if m == nil {
		return
	}
	m.SweptTotal.WithLabelValues("deleted").Add(float64(r.Deleted))
	m.SweptTotal.WithLabelValues("demoted").Add(float64(r.Demoted))
	m.SweptTotal.WithLabelValues("promoted").Add(float64(r.Promoted))
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// MaintenanceMetrics covers the periodic expiry and garbage collection jobs.
type MaintenanceMetrics struct {
	Runs    *prometheus.CounterVec
	Deleted *prometheus.CounterVec
	Leader  prometheus.Gauge
}

func NewMaintenanceMetrics(reg prometheus.Registerer) *MaintenanceMetrics {
	m := &MaintenanceMetrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Maintenance job runs, by job and result.",
		}, []string{"job", "result"}),
		Deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "deleted_total",
			Help:      "Objects removed by maintenance jobs, by job.",
		}, []string{"job"}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "leader",
			Help:      "1 while this replica runs the cluster-wide maintenance jobs.",
		}),
	}

	reg.MustRegister(m.Runs, m.Deleted, m.Leader)
	return m
}

// RecordRun counts one job run and the objects it removed.
func (m *MaintenanceMetrics) RecordRun(job string, deleted int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(job, result).Inc()
	if deleted > 0 {
		m.Deleted.WithLabelValues(job).Add(float64(deleted))
	}
}

func (m *MaintenanceMetrics) SetLeader(leader bool) {
	if leader {
		m.Leader.Set(1)
		return
	}
	m.Leader.Set(0)
}

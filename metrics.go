package exthost

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the manager's Prometheus instrumentation.
type Metrics struct {
	LifecycleOperations *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	ActiveModules       prometheus.Gauge
	SandboxUsage        *prometheus.GaugeVec
}

// NewMetrics builds and registers the lifecycle metrics on reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		LifecycleOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exthost",
			Name:      "lifecycle_operations_total",
			Help:      "Total lifecycle operations by type and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exthost",
			Name:      "lifecycle_operation_duration_seconds",
			Help:      "Duration of lifecycle operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		ActiveModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exthost",
			Name:      "active_modules",
			Help:      "Number of module-tenant pairs currently active",
		}),
		SandboxUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exthost",
			Name:      "sandbox_resource_usage",
			Help:      "Current sandbox resource usage per module, tenant, and dimension",
		}, []string{"module", "tenant", "dimension"}),
	}

	reg.MustRegister(m.LifecycleOperations, m.OperationDuration, m.ActiveModules, m.SandboxUsage)
	return m
}

// ObserveOperation records one finished lifecycle operation.
func (m *Metrics) ObserveOperation(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.LifecycleOperations.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

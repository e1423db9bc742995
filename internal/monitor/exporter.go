package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/t77yq/trainpool/internal/model"
)

// Exporter publishes pool samples as Prometheus metrics
type Exporter struct {
	workers        *prometheus.GaugeVec
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	errorRate      prometheus.Gauge
	throughput     prometheus.Gauge
	avgTaskTime    prometheus.Gauge
	responseTime   prometheus.Gauge
	memory         *prometheus.GaugeVec
	tasksCompleted prometheus.Gauge
	tasksFailed    prometheus.Gauge
	alerts         *prometheus.GaugeVec
}

var _ Observer = (*Exporter)(nil)

// NewExporter creates and registers the collectors
func NewExporter(namespace string, reg prometheus.Registerer) (*Exporter, error) {
	if namespace == "" {
		namespace = "trainpool"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	e := &Exporter{
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Number of pool workers by state.",
		}, []string{"state"}),
		queueDepth:   gauge("queue_depth", "Tasks waiting for a worker."),
		utilization:  gauge("worker_utilization_percent", "Share of busy workers."),
		errorRate:    gauge("error_rate_percent", "Share of finished tasks that failed."),
		throughput:   gauge("tasks_per_second", "Completed tasks per second of worker uptime."),
		avgTaskTime:  gauge("average_task_time_milliseconds", "Average busy time per finished task."),
		responseTime: gauge("caller_response_time_milliseconds", "Caller goroutine scheduling round trip."),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_megabytes",
			Help:      "Memory usage by scope.",
		}, []string{"scope"}),
		tasksCompleted: gauge("tasks_completed", "Tasks completed by current workers."),
		tasksFailed:    gauge("tasks_failed", "Tasks failed on current workers."),
		alerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_outstanding",
			Help:      "Unresolved performance alerts by severity.",
		}, []string{"severity"}),
	}

	collectors := []prometheus.Collector{
		e.workers, e.queueDepth, e.utilization, e.errorRate, e.throughput, e.avgTaskTime,
		e.responseTime, e.memory, e.tasksCompleted, e.tasksFailed, e.alerts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return e, nil
}

// Observe implements Observer
func (e *Exporter) Observe(perf model.PerformanceMetrics, snapshot model.PoolSnapshot, outstanding []model.Alert) {
	busy := snapshot.BusyCount()
	e.workers.WithLabelValues(string(model.WorkerStateBusy)).Set(float64(busy))
	e.workers.WithLabelValues(string(model.WorkerStateAvailable)).Set(float64(len(snapshot.Workers) - busy))
	e.queueDepth.Set(float64(snapshot.QueuedCount))

	e.utilization.Set(perf.WorkerUtilizationPct)
	e.errorRate.Set(perf.ErrorRatePct)
	e.throughput.Set(perf.Throughput.TasksPerSecond)
	e.avgTaskTime.Set(perf.Throughput.AverageTaskTimeMs)
	e.responseTime.Set(perf.MainCallerResponseTimeMs)

	e.memory.WithLabelValues("total").Set(perf.Memory.Total)
	e.memory.WithLabelValues("workers").Set(perf.Memory.Workers)
	e.memory.WithLabelValues("caller").Set(perf.Memory.CallerSide)

	var completed, failed int64
	for _, w := range snapshot.Workers {
		completed += w.Metrics.TasksCompleted
		failed += w.Metrics.TasksFailed
	}
	e.tasksCompleted.Set(float64(completed))
	e.tasksFailed.Set(float64(failed))

	counts := map[model.AlertSeverity]int{
		model.AlertSeverityInfo:     0,
		model.AlertSeverityWarning:  0,
		model.AlertSeverityError:    0,
		model.AlertSeverityCritical: 0,
	}
	for _, a := range outstanding {
		counts[a.Severity]++
	}
	for severity, n := range counts {
		e.alerts.WithLabelValues(string(severity)).Set(float64(n))
	}
}

package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
)

const (
	// DefaultInterval is how often the monitor samples the pool
	DefaultInterval = 5 * time.Second

	// MaxAlerts bounds the alert log
	MaxAlerts = 100

	bytesPerMB = 1024 * 1024
)

// Source provides consistent snapshots of the pool
type Source interface {
	Snapshot() model.PoolSnapshot
}

// NotificationChannel receives newly raised alerts
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// Observer is handed every collected sample
type Observer interface {
	Observe(perf model.PerformanceMetrics, snapshot model.PoolSnapshot, outstanding []model.Alert)
}

// Thresholds configure when alerts are raised
type Thresholds struct {
	ResponseTimeMs    float64
	MemoryLimitMB     float64
	ErrorRatePct      float64
	LowUtilizationPct float64
}

// DefaultThresholds returns the standard thresholds for the given per-worker memory limit
func DefaultThresholds(memoryLimitMB int) Thresholds {
	return Thresholds{
		ResponseTimeMs:    100,
		MemoryLimitMB:     float64(memoryLimitMB),
		ErrorRatePct:      5,
		LowUtilizationPct: 20,
	}
}

// Option configures a PerformanceMonitor
type Option func(*PerformanceMonitor)

// WithInterval sets the sampling interval
func WithInterval(d time.Duration) Option {
	return func(m *PerformanceMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock sets the clock driving the sampling loop
func WithClock(clock quartz.Clock) Option {
	return func(m *PerformanceMonitor) {
		m.clock = clock
	}
}

// WithChannel adds a channel notified of new alerts
func WithChannel(ch NotificationChannel) Option {
	return func(m *PerformanceMonitor) {
		m.channels = append(m.channels, ch)
	}
}

// WithObserver adds an observer of every sample
func WithObserver(o Observer) Option {
	return func(m *PerformanceMonitor) {
		m.observers = append(m.observers, o)
	}
}

// PerformanceMonitor periodically samples the pool, derives aggregate performance
// metrics and raises alerts when thresholds are crossed.
type PerformanceMonitor struct {
	logger     *zap.Logger
	source     Source
	clock      quartz.Clock
	interval   time.Duration
	thresholds Thresholds
	channels   []NotificationChannel
	observers  []Observer

	mu          sync.RWMutex
	current     model.PerformanceMetrics
	alerts      []*model.Alert
	outstanding map[string]*model.Alert

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewPerformanceMonitor creates a monitor sampling source
func NewPerformanceMonitor(source Source, thresholds Thresholds, logger *zap.Logger, opts ...Option) *PerformanceMonitor {
	m := &PerformanceMonitor{
		logger:      logger.Named("performance-monitor"),
		source:      source,
		clock:       quartz.NewReal(),
		interval:    DefaultInterval,
		thresholds:  thresholds,
		outstanding: make(map[string]*model.Alert),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling loop
func (m *PerformanceMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started.Store(true)
		m.logger.Info("Starting performance monitor", zap.Duration("interval", m.interval))
		go m.loop(ctx)
	})
}

// Stop stops the sampling loop and waits for it to exit
func (m *PerformanceMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

func (m *PerformanceMonitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := m.clock.NewTicker(m.interval, "monitor")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Collect takes one sample, updates the alert log and returns the new metrics
func (m *PerformanceMonitor) Collect() model.PerformanceMetrics {
	snapshot := m.source.Snapshot()
	perf := ComputePerformance(snapshot)
	perf.MainCallerResponseTimeMs = measureResponseTime()
	perf.Memory.CallerSide = callerMemoryMB()
	perf.Memory.Total += perf.Memory.CallerSide
	perf.CollectedAt = m.clock.Now()

	m.mu.Lock()
	m.current = perf
	raised := m.evaluate(perf, snapshot)
	outstanding := m.outstandingLocked()
	m.mu.Unlock()

	for _, alert := range raised {
		m.logger.Warn("Performance alert raised",
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.String("worker_id", alert.WorkerID),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold))

		for _, ch := range m.channels {
			if err := ch.Send(alert); err != nil {
				m.logger.Error("Failed to send alert",
					zap.String("alert_id", alert.ID),
					zap.Error(err))
			}
		}
	}

	for _, o := range m.observers {
		o.Observe(perf, snapshot, outstanding)
	}

	m.logger.Debug("Performance sampled",
		zap.Float64("utilization_pct", perf.WorkerUtilizationPct),
		zap.Float64("error_rate_pct", perf.ErrorRatePct),
		zap.Float64("tasks_per_second", perf.Throughput.TasksPerSecond))

	return perf
}

// ComputePerformance derives aggregate metrics from a snapshot. Caller-side figures
// are left zero.
func ComputePerformance(snapshot model.PoolSnapshot) model.PerformanceMetrics {
	var (
		perf              model.PerformanceMetrics
		completed, failed int64
		uptimeMs, busyMs  int64
	)

	for _, w := range snapshot.Workers {
		completed += w.Metrics.TasksCompleted
		failed += w.Metrics.TasksFailed
		uptimeMs += w.Metrics.UptimeMs
		busyMs += w.Metrics.BusyTimeMs
		perf.Memory.Workers += w.Metrics.MemoryUsageMB
	}
	perf.Memory.Total = perf.Memory.Workers

	if total := len(snapshot.Workers); total > 0 {
		perf.WorkerUtilizationPct = float64(snapshot.BusyCount()) / float64(total) * 100
	}
	if uptimeMs > 0 {
		perf.Throughput.TasksPerSecond = float64(completed) / (float64(uptimeMs) / 1000)
	}
	if finished := completed + failed; finished > 0 {
		perf.ErrorRatePct = float64(failed) / float64(finished) * 100
		perf.Throughput.AverageTaskTimeMs = float64(busyMs) / float64(finished)
	}
	return perf
}

// Current returns the most recent sample
func (m *PerformanceMonitor) Current() model.PerformanceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Alerts returns the alert log, oldest first
func (m *PerformanceMonitor) Alerts() []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]model.Alert, len(m.alerts))
	for i, a := range m.alerts {
		alerts[i] = *a
	}
	return alerts
}

// Summary reports overall health, outstanding alerts and recommendations
func (m *PerformanceMonitor) Summary() model.PerformanceSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := model.PerformanceSummary{
		Status:  model.HealthLevelHealthy,
		Metrics: m.current,
	}

	for _, a := range m.outstandingLocked() {
		summary.Alerts = append(summary.Alerts, a)
		switch a.Severity {
		case model.AlertSeverityCritical:
			summary.Status = model.HealthLevelCritical
		case model.AlertSeverityWarning, model.AlertSeverityError:
			if summary.Status != model.HealthLevelCritical {
				summary.Status = model.HealthLevelWarning
			}
		}
	}

	summary.Recommendations = m.recommendations()
	return summary
}

func (m *PerformanceMonitor) recommendations() []string {
	var recs []string
	perf := m.current

	if perf.WorkerUtilizationPct > 90 {
		recs = append(recs, "Workers are saturated; consider raising pool.max_workers")
	}
	if m.hasOutstanding(model.AlertTypeLowUtilization) {
		recs = append(recs, "Most workers are idle; consider lowering pool.max_workers")
	}
	if m.hasOutstanding(model.AlertTypeErrorRate) {
		recs = append(recs, "Task failure rate is high; inspect failed task errors")
	}
	if m.hasOutstanding(model.AlertTypeMemoryUsage) {
		recs = append(recs, "Worker memory exceeds the limit; raise pool.max_memory_per_worker_mb or reduce task size")
	}
	if m.hasOutstanding(model.AlertTypeResponseTime) {
		recs = append(recs, "Caller responsiveness is degraded; reduce work done on the submitting goroutines")
	}
	return recs
}

func (m *PerformanceMonitor) hasOutstanding(t model.AlertType) bool {
	for _, a := range m.outstanding {
		if a.Type == t {
			return true
		}
	}
	return false
}

type condition struct {
	key       string
	alertType model.AlertType
	severity  model.AlertSeverity
	workerID  string
	value     float64
	threshold float64
	message   string
}

func (m *PerformanceMonitor) conditions(perf model.PerformanceMetrics, snapshot model.PoolSnapshot) []condition {
	t := m.thresholds
	var conds []condition

	if perf.MainCallerResponseTimeMs > t.ResponseTimeMs {
		conds = append(conds, condition{
			key:       string(model.AlertTypeResponseTime),
			alertType: model.AlertTypeResponseTime,
			severity:  model.AlertSeverityWarning,
			value:     perf.MainCallerResponseTimeMs,
			threshold: t.ResponseTimeMs,
			message:   fmt.Sprintf("caller response time %.1fms exceeds %.0fms", perf.MainCallerResponseTimeMs, t.ResponseTimeMs),
		})
	}

	for _, w := range snapshot.Workers {
		if t.MemoryLimitMB > 0 && w.Metrics.MemoryUsageMB > t.MemoryLimitMB {
			conds = append(conds, condition{
				key:       string(model.AlertTypeMemoryUsage) + "/" + w.ID,
				alertType: model.AlertTypeMemoryUsage,
				severity:  model.AlertSeverityError,
				workerID:  w.ID,
				value:     w.Metrics.MemoryUsageMB,
				threshold: t.MemoryLimitMB,
				message:   fmt.Sprintf("worker memory %.0fMB exceeds %.0fMB", w.Metrics.MemoryUsageMB, t.MemoryLimitMB),
			})
		}
	}

	if perf.ErrorRatePct > t.ErrorRatePct {
		conds = append(conds, condition{
			key:       string(model.AlertTypeErrorRate),
			alertType: model.AlertTypeErrorRate,
			severity:  model.AlertSeverityCritical,
			value:     perf.ErrorRatePct,
			threshold: t.ErrorRatePct,
			message:   fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", perf.ErrorRatePct, t.ErrorRatePct),
		})
	}

	if len(snapshot.Workers) > 0 && perf.WorkerUtilizationPct < t.LowUtilizationPct {
		conds = append(conds, condition{
			key:       string(model.AlertTypeLowUtilization),
			alertType: model.AlertTypeLowUtilization,
			severity:  model.AlertSeverityWarning,
			value:     perf.WorkerUtilizationPct,
			threshold: t.LowUtilizationPct,
			message:   fmt.Sprintf("worker utilization %.1f%% below %.0f%%", perf.WorkerUtilizationPct, t.LowUtilizationPct),
		})
	}

	return conds
}

// evaluate raises alerts for new conditions and resolves cleared ones. Caller holds mu.
func (m *PerformanceMonitor) evaluate(perf model.PerformanceMetrics, snapshot model.PoolSnapshot) []*model.Alert {
	now := perf.CollectedAt
	active := make(map[string]struct{})
	var raised []*model.Alert

	for _, c := range m.conditions(perf, snapshot) {
		active[c.key] = struct{}{}
		if _, ok := m.outstanding[c.key]; ok {
			continue
		}

		alert := &model.Alert{
			ID:        uuid.New().String(),
			Type:      c.alertType,
			Severity:  c.severity,
			Message:   c.message,
			WorkerID:  c.workerID,
			Value:     c.value,
			Threshold: c.threshold,
			CreatedAt: now,
		}
		m.outstanding[c.key] = alert
		m.alerts = append(m.alerts, alert)
		raised = append(raised, alert)
	}

	for key, alert := range m.outstanding {
		if _, ok := active[key]; ok {
			continue
		}
		resolved := now
		alert.ResolvedAt = &resolved
		delete(m.outstanding, key)

		m.logger.Info("Performance alert resolved",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)),
			zap.String("worker_id", alert.WorkerID))
	}

	if over := len(m.alerts) - MaxAlerts; over > 0 {
		m.alerts = append([]*model.Alert(nil), m.alerts[over:]...)
	}

	return raised
}

func (m *PerformanceMonitor) outstandingLocked() []model.Alert {
	alerts := make([]model.Alert, 0, len(m.outstanding))
	for _, a := range m.outstanding {
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	return alerts
}

// measureResponseTime times a round trip through the scheduler: how long a freshly
// started goroutine takes to get to run and signal back.
func measureResponseTime() float64 {
	start := time.Now()
	done := make(chan struct{})
	go func() {
		close(done)
	}()
	<-done
	return float64(time.Since(start).Microseconds()) / 1000
}

func callerMemoryMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / bytesPerMB
}

package model

import "time"

// WorkerState represents the lifecycle state of a worker
type WorkerState string

const (
	WorkerStateAvailable WorkerState = "available"
	WorkerStateBusy      WorkerState = "busy"
)

// WorkerMetrics is the telemetry the pool keeps for one worker
type WorkerMetrics struct {
	WorkerID         string    `json:"worker_id"`
	CPUUsageSeconds  float64   `json:"cpu_usage_seconds"`
	MemoryUsageMB    float64   `json:"memory_usage_mb"`
	MessageLatencyMs float64   `json:"message_latency_ms"`
	TasksCompleted   int64     `json:"tasks_completed"`
	TasksFailed      int64     `json:"tasks_failed"`
	UptimeMs         int64     `json:"uptime_ms"`
	BusyTimeMs       int64     `json:"busy_time_ms"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	StartedAt        time.Time `json:"started_at"`
}

// TasksTotal returns completed plus failed tasks
func (m WorkerMetrics) TasksTotal() int64 {
	return m.TasksCompleted + m.TasksFailed
}

// WorkerSnapshot is a read-only copy of a worker's state and metrics
type WorkerSnapshot struct {
	ID            string        `json:"id"`
	State         WorkerState   `json:"state"`
	CurrentTaskID string        `json:"current_task_id,omitempty"`
	Metrics       WorkerMetrics `json:"metrics"`
}

// PoolSnapshot is a consistent view of the pool taken on its coordinating goroutine
type PoolSnapshot struct {
	Workers     []WorkerSnapshot `json:"workers"`
	QueuedCount int              `json:"queued_count"`
	TakenAt     time.Time        `json:"taken_at"`
}

// BusyCount returns the number of busy workers in the snapshot
func (s PoolSnapshot) BusyCount() int {
	n := 0
	for _, w := range s.Workers {
		if w.State == WorkerStateBusy {
			n++
		}
	}
	return n
}

// MemoryUsage breaks memory down by owner, in megabytes
type MemoryUsage struct {
	Total      float64 `json:"total"`
	Workers    float64 `json:"workers"`
	CallerSide float64 `json:"caller_side"`
}

// Throughput summarises completed work over worker uptime
type Throughput struct {
	TasksPerSecond    float64 `json:"tasks_per_second"`
	AverageTaskTimeMs float64 `json:"average_task_time_ms"`
}

// PerformanceMetrics is the pool-wide snapshot computed by the performance monitor
type PerformanceMetrics struct {
	MainCallerResponseTimeMs float64     `json:"main_caller_response_time_ms"`
	WorkerUtilizationPct     float64     `json:"worker_utilization_pct"`
	Memory                   MemoryUsage `json:"memory_usage"`
	Throughput               Throughput  `json:"throughput"`
	ErrorRatePct             float64     `json:"error_rate_pct"`
	CollectedAt              time.Time   `json:"collected_at"`
}

// PoolStatus is the result of a status query against the pool
type PoolStatus struct {
	TotalWorkers   int                `json:"total_workers"`
	AvailableCount int                `json:"available_count"`
	BusyCount      int                `json:"busy_count"`
	QueuedCount    int                `json:"queued_count"`
	Metrics        []WorkerMetrics    `json:"metrics"`
	Performance    PerformanceMetrics `json:"performance"`
}

// WorkerHealth is the outcome of a health check for one worker
type WorkerHealth struct {
	WorkerID  string   `json:"worker_id"`
	IsHealthy bool     `json:"is_healthy"`
	Issues    []string `json:"issues,omitempty"`
}

// HealthLevel is the overall status derived from outstanding alerts
type HealthLevel string

const (
	HealthLevelHealthy  HealthLevel = "healthy"
	HealthLevelWarning  HealthLevel = "warning"
	HealthLevelCritical HealthLevel = "critical"
)

// PerformanceSummary is the human-facing digest of the monitor's state
type PerformanceSummary struct {
	Status          HealthLevel        `json:"status"`
	Metrics         PerformanceMetrics `json:"metrics"`
	Alerts          []Alert            `json:"alerts"`
	Recommendations []string           `json:"recommendations"`
}

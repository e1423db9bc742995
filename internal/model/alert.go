package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the threshold that raised an alert
type AlertType string

const (
	AlertTypeResponseTime   AlertType = "response_time"
	AlertTypeMemoryUsage    AlertType = "memory_usage"
	AlertTypeErrorRate      AlertType = "error_rate"
	AlertTypeLowUtilization AlertType = "low_utilization"
)

// Alert represents a threshold breach observed by the performance monitor
type Alert struct {
	ID         string        `json:"id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	WorkerID   string        `json:"worker_id,omitempty"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

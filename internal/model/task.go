package model

import (
	"encoding/json"
	"time"
)

// TaskKind identifies the operation a task asks a worker to perform
type TaskKind string

const (
	TaskKindTrain    TaskKind = "train"
	TaskKindEvaluate TaskKind = "evaluate"
	TaskKindPredict  TaskKind = "predict"
	TaskKindStop     TaskKind = "stop"
	TaskKindStatus   TaskKind = "status"
	TaskKindCleanup  TaskKind = "cleanup"
)

// Valid reports whether k is one of the known task kinds
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindTrain, TaskKindEvaluate, TaskKindPredict,
		TaskKindStop, TaskKindStatus, TaskKindCleanup:
		return true
	}
	return false
}

// TaskStatus represents the terminal or current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimeout   TaskStatus = "timeout"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// TaskPriority orders queued tasks. Higher values are dispatched first.
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 1
	TaskPriorityNormal TaskPriority = 2
	TaskPriorityHigh   TaskPriority = 3
)

// Task represents a unit of work submitted to the pool
type Task struct {
	ID          string          `json:"id"`
	Kind        TaskKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    TaskPriority    `json:"priority"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Timeout     time.Duration   `json:"timeout"`
}

// Deadline returns the instant after which the task is considered timed out
func (t *Task) Deadline() time.Time {
	return t.SubmittedAt.Add(t.Timeout)
}

// TaskResult represents the successful outcome of a task
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	Kind        TaskKind        `json:"kind"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Status      TaskStatus      `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
}

// TaskError is the structured failure a worker reports for a task
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ProgressPhase tags a progress event emitted while a task runs
type ProgressPhase string

const (
	ProgressPhaseProgress   ProgressPhase = "progress"
	ProgressPhaseCheckpoint ProgressPhase = "checkpoint"
	ProgressPhaseError      ProgressPhase = "error"
	ProgressPhaseComplete   ProgressPhase = "complete"
)

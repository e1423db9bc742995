package executor

import (
	"encoding/json"
	"time"

	"github.com/t77yq/trainpool/internal/model"
)

// Message is one of TaskMessage, ProgressMessage, ResponseMessage or MetricsMessage.
// The unexported method closes the set to this package.
type Message interface {
	// Time returns when the sender created the message
	Time() time.Time
	isMessage()
}

// TaskMessage is sent from the pool to a worker
type TaskMessage struct {
	ID        string          `json:"id"`
	Kind      model.TaskKind  `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProgressMessage is emitted zero or more times while a task runs
type ProgressMessage struct {
	ID        string              `json:"id"`
	Phase     model.ProgressPhase `json:"phase"`
	Data      interface{}         `json:"data,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// ResponseMessage is emitted exactly once per task and is terminal
type ResponseMessage struct {
	ID        string           `json:"id"`
	Success   bool             `json:"success"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Error     *model.TaskError `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// MetricsMessage is a periodic resource snapshot from a worker
type MetricsMessage struct {
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	LastActivity time.Time `json:"last_activity"`
	Timestamp    time.Time `json:"timestamp"`
}

// Time returns the message timestamp
func (m TaskMessage) Time() time.Time { return m.Timestamp }

// Time returns the message timestamp
func (m ProgressMessage) Time() time.Time { return m.Timestamp }

// Time returns the message timestamp
func (m ResponseMessage) Time() time.Time { return m.Timestamp }

// Time returns the message timestamp
func (m MetricsMessage) Time() time.Time { return m.Timestamp }

func (TaskMessage) isMessage()     {}
func (ProgressMessage) isMessage() {}
func (ResponseMessage) isMessage() {}
func (MetricsMessage) isMessage()  {}

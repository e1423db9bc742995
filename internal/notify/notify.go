package notify

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/trainpool/internal/model"
)

// EventKind identifies what happened to a task
type EventKind string

const (
	EventProgress   EventKind = "progress"
	EventCheckpoint EventKind = "checkpoint"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
)

// Event is a fire-and-forget notification about a task
type Event struct {
	Kind       EventKind           `json:"kind"`
	TaskID     string              `json:"task_id"`
	TaskKind   model.TaskKind      `json:"task_kind,omitempty"`
	WorkerID   string              `json:"worker_id,omitempty"`
	Phase      model.ProgressPhase `json:"phase,omitempty"`
	Data       interface{}         `json:"data,omitempty"`
	Error      *model.TaskError    `json:"error,omitempty"`
	DurationMs int64               `json:"duration_ms,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Notifier delivers task events to an external consumer
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to several notifiers
type Multi []Notifier

// NewMulti returns a notifier delivering to every non-nil notifier in ns
func NewMulti(ns ...Notifier) Multi {
	m := make(Multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			m = append(m, n)
		}
	}
	return m
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventForPhase maps a worker progress phase to the event kind published for it
func EventForPhase(phase model.ProgressPhase) EventKind {
	if phase == model.ProgressPhaseCheckpoint {
		return EventCheckpoint
	}
	return EventProgress
}

package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrDropped is returned when the delivery buffer is full
var ErrDropped = errors.New("notification dropped")

// ErrClosed is returned after Close
var ErrClosed = errors.New("notifier closed")

// Async delivers events to another notifier from a background goroutine so that
// callers never wait on a slow sink.
type Async struct {
	next   Notifier
	logger *zap.Logger
	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine. size bounds the number of undelivered events.
func NewAsync(next Notifier, size int, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 1
	}
	a := &Async{
		next:   next,
		logger: logger.Named("notifier"),
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify queues the event and returns immediately
func (a *Async) Notify(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}

	select {
	case a.events <- event:
		return nil
	default:
		a.logger.Warn("Notification buffer full, dropping event",
			zap.String("task_id", event.TaskID),
			zap.String("kind", string(event.Kind)))
		return ErrDropped
	}
}

// Close stops accepting events and waits until the queued ones are delivered
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	<-a.done
	return nil
}

func (a *Async) run() {
	defer close(a.done)

	for event := range a.events {
		if err := a.next.Notify(context.Background(), event); err != nil {
			a.logger.Error("Failed to deliver notification",
				zap.String("task_id", event.TaskID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
)

var (
	// ErrWorkerFault marks an executor error the worker cannot recover from.
	// A worker that sees it exits and the pool replaces it.
	ErrWorkerFault = errors.New("worker fault")

	// ErrWorkerStopped is returned when sending to a worker that has exited
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrInboxFull is returned when a worker cannot accept another message
	ErrInboxFull = errors.New("worker inbox full")

	// ErrProtocol is returned when a worker receives a message it does not understand
	ErrProtocol = errors.New("protocol violation")
)

// ProgressFunc receives progress events from a running task
type ProgressFunc func(phase model.ProgressPhase, data interface{})

// TaskExecutor performs the computation behind Train, Evaluate and Predict tasks.
// Implementations must honor ctx cancellation and should report expected
// validation failures as a *model.TaskError rather than panicking.
type TaskExecutor interface {
	Run(ctx context.Context, kind model.TaskKind, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)
}

// Cleaner is implemented by executors and handlers that hold releasable resources
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// TaskHandler handles a single task kind
type TaskHandler interface {
	Handle(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, payload, onProgress)
}

// Registry routes tasks to the handler registered for their kind
type Registry struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[model.TaskKind]TaskHandler
}

var (
	_ TaskExecutor = (*Registry)(nil)
	_ Cleaner      = (*Registry)(nil)
)

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("executor-registry"),
		handlers: make(map[model.TaskKind]TaskHandler),
	}
}

// RegisterHandler registers a task handler for kind, replacing any previous one
func (r *Registry) RegisterHandler(kind model.TaskKind, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// Run executes the task with the handler registered for kind
func (r *Registry) Run(ctx context.Context, kind model.TaskKind, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	r.mu.RLock()
	handler, ok := r.handlers[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, &model.TaskError{
			Code:    "unsupported_kind",
			Message: fmt.Sprintf("no handler registered for task kind %q", kind),
		}
	}

	r.logger.Debug("Dispatching task to handler", zap.String("kind", string(kind)))
	return handler.Handle(ctx, payload, onProgress)
}

// Cleanup releases resources held by every registered handler that supports it
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for kind, handler := range r.handlers {
		cleaner, ok := handler.(Cleaner)
		if !ok {
			continue
		}
		if err := cleaner.Cleanup(ctx); err != nil {
			r.logger.Error("Failed to clean up handler",
				zap.String("kind", string(kind)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to clean up %s handler: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

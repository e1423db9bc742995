package scheduler

import (
	"errors"
	"fmt"

	"github.com/t77yq/trainpool/internal/config"
	"github.com/t77yq/trainpool/internal/model"
)

var (
	// ErrTaskTimeout is returned when a task exceeds its timeout, queued or dispatched
	ErrTaskTimeout = errors.New("task timed out")

	// ErrWorkerExecution is wrapped by every WorkerExecutionError
	ErrWorkerExecution = errors.New("worker execution failed")

	// ErrWorkerCrash is logged when a worker exits unexpectedly. It is never
	// returned to callers; an orphaned task resolves with ErrTaskTimeout.
	ErrWorkerCrash = errors.New("worker crashed")

	// ErrPoolShuttingDown is returned once Terminate has been called
	ErrPoolShuttingDown = errors.New("worker pool is shutting down")

	// ErrInvalidConfiguration is returned when the pool configuration is out of range
	ErrInvalidConfiguration = config.ErrInvalidConfiguration

	// ErrInvalidTaskKind is returned when a task kind is not recognised
	ErrInvalidTaskKind = errors.New("invalid task kind")
)

// WorkerExecutionError is the structured failure reported by a task executor
type WorkerExecutionError struct {
	TaskID   string
	WorkerID string
	Code     string
	Message  string
}

func newWorkerExecutionError(taskID, workerID string, taskErr *model.TaskError) *WorkerExecutionError {
	e := &WorkerExecutionError{TaskID: taskID, WorkerID: workerID}
	if taskErr != nil {
		e.Code = taskErr.Code
		e.Message = taskErr.Message
	}
	return e
}

// Error implements the error interface
func (e *WorkerExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on worker %s: %s: %s", e.TaskID, e.WorkerID, e.Code, e.Message)
}

// Unwrap returns ErrWorkerExecution so callers can match with errors.Is
func (e *WorkerExecutionError) Unwrap() error {
	return ErrWorkerExecution
}

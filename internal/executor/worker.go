package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
)

const (
	inboxSize  = 4
	outboxSize = 64

	// DefaultMetricsInterval is how often a worker reports a MetricsMessage
	DefaultMetricsInterval = 5 * time.Second
)

// WorkerOptions configures a Worker. Zero values pick defaults.
type WorkerOptions struct {
	MetricsInterval time.Duration
	Sampler         Sampler
	Clock           quartz.Clock
}

// Worker is an isolated execution context that runs one task at a time.
// The pool talks to it only through messages.
type Worker struct {
	id              string
	logger          *zap.Logger
	exec            TaskExecutor
	sampler         Sampler
	clock           quartz.Clock
	metricsInterval time.Duration
	startedAt       time.Time

	inbox    chan Message
	outbox   chan Message
	finished chan execResult
	done     chan struct{}
	err      error

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity atomic.Int64

	// owned by the run goroutine
	current *execution
}

type execution struct {
	id        string
	kind      model.TaskKind
	startedAt time.Time
	cancel    context.CancelFunc
}

type execResult struct {
	id   string
	data json.RawMessage
	err  error
}

// NewWorker creates a worker. Call Start to begin processing messages.
func NewWorker(id string, exec TaskExecutor, logger *zap.Logger, opts WorkerOptions) *Worker {
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = DefaultMetricsInterval
	}
	if opts.Sampler == nil {
		opts.Sampler = nopSampler{}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:              id,
		logger:          logger.Named("worker").With(zap.String("worker_id", id)),
		exec:            exec,
		sampler:         opts.Sampler,
		clock:           opts.Clock,
		metricsInterval: opts.MetricsInterval,
		startedAt:       opts.Clock.Now(),
		inbox:           make(chan Message, inboxSize),
		outbox:          make(chan Message, outboxSize),
		finished:        make(chan execResult, 1),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
	w.touch()
	return w
}

// ID returns the worker identifier
func (w *Worker) ID() string {
	return w.id
}

// Start launches the worker goroutine
func (w *Worker) Start() {
	go w.run()
}

// Send delivers a message to the worker without blocking
func (w *Worker) Send(msg Message) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}

	select {
	case w.inbox <- msg:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	default:
		return ErrInboxFull
	}
}

// Messages returns the channel of messages emitted by the worker
func (w *Worker) Messages() <-chan Message {
	return w.outbox
}

// Done is closed when the worker goroutine has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Err returns the fault that made the worker exit, or nil after a clean stop.
// It is only meaningful once Done is closed.
func (w *Worker) Err() error {
	return w.err
}

// Terminate stops the worker and cancels any running task
func (w *Worker) Terminate() {
	w.cancel()
}

func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.metricsInterval)
	defer ticker.Stop()

	w.logger.Debug("Worker started")

	for {
		select {
		case <-w.ctx.Done():
			w.abortCurrent()
			w.logger.Debug("Worker stopped")
			return

		case msg := <-w.inbox:
			if err := w.handle(msg); err != nil {
				w.fault(err)
				return
			}

		case res := <-w.finished:
			if errors.Is(res.err, ErrWorkerFault) {
				w.fault(res.err)
				return
			}
			w.complete(res)

		case <-ticker.C:
			w.emitMetrics()
		}
	}
}

func (w *Worker) handle(msg Message) error {
	task, ok := msg.(TaskMessage)
	if !ok {
		return fmt.Errorf("%w: unexpected %T", ErrProtocol, msg)
	}

	switch task.Kind {
	case model.TaskKindTrain, model.TaskKindEvaluate, model.TaskKindPredict:
		w.startExecution(task)

	case model.TaskKindStop:
		stopped := ""
		if w.current != nil {
			stopped = w.current.id
			w.current.cancel()
		}
		w.respondSuccess(task.ID, map[string]interface{}{
			"stopped": stopped != "",
			"task_id": stopped,
		})

	case model.TaskKindStatus:
		w.respondSuccess(task.ID, w.statusData())

	case model.TaskKindCleanup:
		w.cleanup(task.ID)

	default:
		w.respondFailure(task.ID, &model.TaskError{
			Code:    "unsupported_kind",
			Message: fmt.Sprintf("unsupported task kind %q", task.Kind),
		})
	}
	return nil
}

func (w *Worker) startExecution(task TaskMessage) {
	if w.current != nil {
		w.respondFailure(task.ID, &model.TaskError{
			Code:    "worker_busy",
			Message: fmt.Sprintf("worker is running task %s", w.current.id),
		})
		return
	}

	ctx, cancel := context.WithCancel(w.ctx)
	w.current = &execution{
		id:        task.ID,
		kind:      task.Kind,
		startedAt: w.clock.Now(),
		cancel:    cancel,
	}
	w.touch()

	w.logger.Debug("Task execution started",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)))

	go func() {
		res := execResult{id: task.ID}
		defer func() {
			if r := recover(); r != nil {
				res.data = nil
				res.err = &model.TaskError{Code: "panic", Message: fmt.Sprint(r)}
			}
			w.finished <- res
		}()
		res.data, res.err = w.exec.Run(ctx, task.Kind, task.Payload, w.progressFunc(task.ID))
	}()
}

func (w *Worker) complete(res execResult) {
	if w.current != nil {
		w.current.cancel()
		w.logger.Debug("Task execution finished",
			zap.String("task_id", res.id),
			zap.Duration("elapsed", w.clock.Since(w.current.startedAt)),
			zap.Bool("success", res.err == nil))
	}
	w.current = nil
	w.touch()

	if res.err != nil {
		taskErr := AsTaskError(res.err)
		w.emit(ProgressMessage{
			ID:        res.id,
			Phase:     model.ProgressPhaseError,
			Data:      taskErr,
			Timestamp: w.clock.Now(),
		})
		w.respondFailure(res.id, taskErr)
		return
	}

	w.emit(ResponseMessage{
		ID:        res.id,
		Success:   true,
		Data:      res.data,
		Timestamp: w.clock.Now(),
	})
}

func (w *Worker) cleanup(taskID string) {
	cleaner, ok := w.exec.(Cleaner)
	if !ok {
		w.respondSuccess(taskID, map[string]interface{}{"released": false})
		return
	}
	if err := cleaner.Cleanup(w.ctx); err != nil {
		w.respondFailure(taskID, AsTaskError(err))
		return
	}
	w.respondSuccess(taskID, map[string]interface{}{"released": true})
}

func (w *Worker) statusData() map[string]interface{} {
	data := map[string]interface{}{
		"worker_id": w.id,
		"state":     "idle",
		"uptime_ms": w.clock.Since(w.startedAt).Milliseconds(),
	}
	if w.current != nil {
		data["state"] = "busy"
		data["task_id"] = w.current.id
		data["elapsed_ms"] = w.clock.Since(w.current.startedAt).Milliseconds()
	}
	return data
}

func (w *Worker) progressFunc(taskID string) ProgressFunc {
	return func(phase model.ProgressPhase, data interface{}) {
		w.touch()
		w.emit(ProgressMessage{
			ID:        taskID,
			Phase:     phase,
			Data:      data,
			Timestamp: w.clock.Now(),
		})
	}
}

func (w *Worker) respondSuccess(taskID string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		w.respondFailure(taskID, &model.TaskError{Code: "encode", Message: err.Error()})
		return
	}
	w.emit(ResponseMessage{
		ID:        taskID,
		Success:   true,
		Data:      raw,
		Timestamp: w.clock.Now(),
	})
}

func (w *Worker) respondFailure(taskID string, taskErr *model.TaskError) {
	w.emit(ResponseMessage{
		ID:        taskID,
		Success:   false,
		Error:     taskErr,
		Timestamp: w.clock.Now(),
	})
}

func (w *Worker) emitMetrics() {
	usage, err := w.sampler.Sample()
	if err != nil {
		w.logger.Warn("Failed to sample resource usage", zap.Error(err))
	}

	msg := MetricsMessage{
		CPUUsage:     usage.CPUSeconds,
		MemoryUsage:  usage.MemoryMB,
		LastActivity: time.Unix(0, w.lastActivity.Load()),
		Timestamp:    w.clock.Now(),
	}

	// Metrics are advisory; drop the snapshot rather than stall the worker.
	select {
	case w.outbox <- msg:
	default:
		w.logger.Debug("Dropped metrics message, outbox full")
	}
}

func (w *Worker) emit(msg Message) {
	select {
	case w.outbox <- msg:
	case <-w.ctx.Done():
	}
}

func (w *Worker) touch() {
	w.lastActivity.Store(w.clock.Now().UnixNano())
}

func (w *Worker) abortCurrent() {
	if w.current != nil {
		w.current.cancel()
		w.current = nil
	}
}

func (w *Worker) fault(err error) {
	w.err = err
	w.abortCurrent()
	w.cancel()
	w.logger.Error("Worker faulted", zap.Error(err))
}

// AsTaskError converts err into the structured failure reported to the pool
func AsTaskError(err error) *model.TaskError {
	var taskErr *model.TaskError
	if errors.As(err, &taskErr) {
		return taskErr
	}
	if errors.Is(err, context.Canceled) {
		return &model.TaskError{Code: "canceled", Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.TaskError{Code: "deadline_exceeded", Message: err.Error()}
	}
	return &model.TaskError{Code: "execution_failed", Message: err.Error()}
}

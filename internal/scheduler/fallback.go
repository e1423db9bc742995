package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/model"
	"github.com/t77yq/trainpool/internal/notify"
)

// FallbackExecutor runs tasks directly on the calling goroutine. It is used when
// the pool is disabled and returns results in the same shape as the pool.
type FallbackExecutor struct {
	exec     executor.TaskExecutor
	notifier notify.Notifier
	clock    quartz.Clock
	logger   *zap.Logger
}

// NewFallbackExecutor creates a fallback executor
func NewFallbackExecutor(exec executor.TaskExecutor, notifier notify.Notifier, clock quartz.Clock, logger *zap.Logger) *FallbackExecutor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &FallbackExecutor{
		exec:     exec,
		notifier: notifier,
		clock:    clock,
		logger:   logger.Named("fallback-executor"),
	}
}

// Execute runs one task to completion. Executor failures are returned as
// *WorkerExecutionError with an empty WorkerID.
func (f *FallbackExecutor) Execute(ctx context.Context, kind model.TaskKind, payload json.RawMessage) (*model.TaskResult, error) {
	id := uuid.New().String()
	start := f.clock.Now()

	f.logger.Debug("Running task inline",
		zap.String("task_id", id),
		zap.String("kind", string(kind)))

	data, err := f.run(ctx, id, kind, payload)
	now := f.clock.Now()
	duration := now.Sub(start)

	if err != nil {
		taskErr := executor.AsTaskError(err)
		f.notify(ctx, notify.Event{
			Kind:       notify.EventFailed,
			TaskID:     id,
			TaskKind:   kind,
			Error:      taskErr,
			DurationMs: duration.Milliseconds(),
			Timestamp:  now,
		})
		return nil, newWorkerExecutionError(id, "", taskErr)
	}

	f.notify(ctx, notify.Event{
		Kind:       notify.EventCompleted,
		TaskID:     id,
		TaskKind:   kind,
		Data:       data,
		DurationMs: duration.Milliseconds(),
		Timestamp:  now,
	})

	return &model.TaskResult{
		TaskID:      id,
		Kind:        kind,
		Status:      model.TaskStatusCompleted,
		Data:        data,
		CompletedAt: now,
		Duration:    duration,
	}, nil
}

func (f *FallbackExecutor) run(ctx context.Context, id string, kind model.TaskKind, payload json.RawMessage) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &model.TaskError{Code: "panic", Message: fmt.Sprint(r)}
		}
	}()

	switch kind {
	case model.TaskKindStop:
		// nothing runs in the background when tasks execute inline
		return json.Marshal(map[string]interface{}{"stopped": false})

	case model.TaskKindStatus:
		return json.Marshal(map[string]interface{}{"state": "inline"})

	case model.TaskKindCleanup:
		cleaner, ok := f.exec.(executor.Cleaner)
		if !ok {
			return json.Marshal(map[string]interface{}{"released": false})
		}
		if err := cleaner.Cleanup(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"released": true})
	}

	return f.exec.Run(ctx, kind, payload, func(phase model.ProgressPhase, data interface{}) {
		f.notify(ctx, notify.Event{
			Kind:      notify.EventForPhase(phase),
			TaskID:    id,
			TaskKind:  kind,
			Phase:     phase,
			Data:      data,
			Timestamp: f.clock.Now(),
		})
	})
}

func (f *FallbackExecutor) notify(ctx context.Context, event notify.Event) {
	if err := f.notifier.Notify(ctx, event); err != nil {
		f.logger.Debug("Notification not delivered",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

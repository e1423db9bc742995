package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
	"github.com/t77yq/trainpool/internal/storage"
)

// TimeoutCode is the TaskError code attached to failed events caused by a task timeout
const TimeoutCode = "timeout"

// HistoryNotifier records the outcome of every finished task
type HistoryNotifier struct {
	history storage.TaskHistory
	logger  *zap.Logger
}

// NewHistoryNotifier creates a notifier backed by history
func NewHistoryNotifier(history storage.TaskHistory, logger *zap.Logger) *HistoryNotifier {
	return &HistoryNotifier{
		history: history,
		logger:  logger.Named("history-notifier"),
	}
}

// Notify implements Notifier. Progress and checkpoint events are ignored.
func (h *HistoryNotifier) Notify(ctx context.Context, event Event) error {
	if event.Kind != EventCompleted && event.Kind != EventFailed {
		return nil
	}

	record := &storage.TaskRecord{
		TaskID:      event.TaskID,
		Kind:        event.TaskKind,
		WorkerID:    event.WorkerID,
		Status:      model.TaskStatusCompleted,
		CompletedAt: event.Timestamp,
		Duration:    time.Duration(event.DurationMs) * time.Millisecond,
	}

	if event.Kind == EventCompleted {
		if event.Data != nil {
			data, err := json.Marshal(event.Data)
			if err != nil {
				h.logger.Warn("Failed to encode task result",
					zap.String("task_id", event.TaskID),
					zap.Error(err))
			} else {
				record.Result = data
			}
		}
	} else {
		record.Status = model.TaskStatusFailed
		if event.Error != nil {
			record.ErrorCode = event.Error.Code
			record.Error = event.Error.Message
			switch event.Error.Code {
			case TimeoutCode:
				record.Status = model.TaskStatusTimeout
			case "canceled":
				record.Status = model.TaskStatusCanceled
			}
		}
	}

	return h.history.Record(ctx, record)
}

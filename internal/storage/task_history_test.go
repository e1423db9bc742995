package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/trainpool/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteTaskHistory {
	t.Helper()

	history, err := NewSQLiteTaskHistory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	return history
}

func TestSQLiteTaskHistory(t *testing.T) {
	ctx := context.Background()
	history := newTestHistory(t)
	now := time.Now().UTC().Truncate(time.Second)

	records := []*TaskRecord{
		{
			TaskID:      "task-1",
			Kind:        model.TaskKindTrain,
			WorkerID:    "worker-a",
			Status:      model.TaskStatusCompleted,
			Result:      json.RawMessage(`{"accuracy":0.93}`),
			CompletedAt: now.Add(-2 * time.Hour),
			Duration:    90 * time.Second,
		},
		{
			TaskID:      "task-2",
			Kind:        model.TaskKindPredict,
			WorkerID:    "worker-b",
			Status:      model.TaskStatusFailed,
			ErrorCode:   "exit_status",
			Error:       "exit status 1",
			CompletedAt: now.Add(-time.Hour),
		},
		{
			TaskID:      "task-3",
			Kind:        model.TaskKindTrain,
			Status:      model.TaskStatusTimeout,
			CompletedAt: now,
		},
	}
	for _, r := range records {
		require.NoError(t, history.Record(ctx, r))
	}

	t.Run("Get", func(t *testing.T) {
		got, err := history.Get(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, model.TaskKindTrain, got.Kind)
		assert.Equal(t, "worker-a", got.WorkerID)
		assert.Equal(t, model.TaskStatusCompleted, got.Status)
		assert.JSONEq(t, `{"accuracy":0.93}`, string(got.Result))
		assert.Equal(t, 90*time.Second, got.Duration)
		assert.True(t, got.CompletedAt.Equal(now.Add(-2*time.Hour)))

		got, err = history.Get(ctx, "task-2")
		require.NoError(t, err)
		assert.Equal(t, "exit_status", got.ErrorCode)
		assert.Equal(t, "exit status 1", got.Error)
		assert.Nil(t, got.Result)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := history.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RecordReplaces", func(t *testing.T) {
		require.NoError(t, history.Record(ctx, &TaskRecord{
			TaskID:      "task-3",
			Kind:        model.TaskKindTrain,
			Status:      model.TaskStatusTimeout,
			Error:       "task timed out",
			CompletedAt: now,
		}))
		got, err := history.Get(ctx, "task-3")
		require.NoError(t, err)
		assert.Equal(t, "task timed out", got.Error)

		count, err := history.Count(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("ListAndCount", func(t *testing.T) {
		list, err := history.List(ctx, Filter{Kind: model.TaskKindTrain}, 0, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "task-3", list[0].TaskID)
		assert.Equal(t, "task-1", list[1].TaskID)

		list, err = history.List(ctx, Filter{}, 1, 1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "task-2", list[0].TaskID)

		count, err := history.Count(ctx, Filter{Status: model.TaskStatusFailed, WorkerID: "worker-b"})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		deleted, err := history.DeleteBefore(ctx, now.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		count, err := history.Count(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestSQLiteTaskHistoryReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	history, err := NewSQLiteTaskHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, history.Record(ctx, &TaskRecord{
		TaskID:      "kept",
		Kind:        model.TaskKindEvaluate,
		Status:      model.TaskStatusCompleted,
		CompletedAt: time.Now(),
	}))
	require.NoError(t, history.Close())

	history, err = NewSQLiteTaskHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer history.Close()

	got, err := history.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, model.TaskKindEvaluate, got.Kind)
}

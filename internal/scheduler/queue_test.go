package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/trainpool/internal/model"
)

func queuedTask(id string, priority model.TaskPriority, submitted time.Time) *model.Task {
	return &model.Task{
		ID:          id,
		Kind:        model.TaskKindTrain,
		Priority:    priority,
		SubmittedAt: submitted,
		Timeout:     time.Minute,
	}
}

func drainIDs(q *TaskQueue) []string {
	var ids []string
	for {
		task, ok := q.Dequeue()
		if !ok {
			return ids
		}
		ids = append(ids, task.ID)
	}
}

func TestTaskQueueOrdering(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		tasks []*model.Task
		want  []string
	}{
		{
			name: "HigherPriorityFirst",
			tasks: []*model.Task{
				queuedTask("low", 5, now),
				queuedTask("high", 10, now),
			},
			want: []string{"high", "low"},
		},
		{
			name: "FIFOWithinPriority",
			tasks: []*model.Task{
				queuedTask("a", model.TaskPriorityNormal, now),
				queuedTask("b", model.TaskPriorityNormal, now),
				queuedTask("c", model.TaskPriorityNormal, now),
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "Mixed",
			tasks: []*model.Task{
				queuedTask("n1", model.TaskPriorityNormal, now),
				queuedTask("l1", model.TaskPriorityLow, now),
				queuedTask("h1", model.TaskPriorityHigh, now),
				queuedTask("n2", model.TaskPriorityNormal, now),
				queuedTask("h2", model.TaskPriorityHigh, now),
				queuedTask("l2", model.TaskPriorityLow, now),
			},
			want: []string{"h1", "h2", "n1", "n2", "l1", "l2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewTaskQueue()
			for _, task := range tt.tasks {
				q.Enqueue(task)
			}
			assert.Equal(t, len(tt.tasks), q.Len())

			assert.Equal(t, tt.want, drainIDs(q))
			assert.Zero(t, q.Len())
		})
	}
}

func TestTaskQueueEmpty(t *testing.T) {
	q := NewTaskQueue()

	_, ok := q.Dequeue()
	assert.False(t, ok)
	_, ok = q.Remove("missing")
	assert.False(t, ok)
	assert.Empty(t, q.Expire(time.Now()))
	assert.Empty(t, q.Drain())
}

func TestTaskQueueRemove(t *testing.T) {
	now := time.Now()
	q := NewTaskQueue()
	q.Enqueue(queuedTask("a", 1, now))
	q.Enqueue(queuedTask("b", 1, now))
	q.Enqueue(queuedTask("c", 1, now))

	removed, ok := q.Remove("b")
	require.True(t, ok)
	assert.Equal(t, "b", removed.ID)
	assert.Equal(t, []string{"a", "c"}, drainIDs(q))
}

func TestTaskQueueExpire(t *testing.T) {
	now := time.Now()
	q := NewTaskQueue()
	q.Enqueue(queuedTask("old", model.TaskPriorityHigh, now.Add(-2*time.Minute)))
	q.Enqueue(queuedTask("edge", model.TaskPriorityNormal, now.Add(-time.Minute)))
	q.Enqueue(queuedTask("fresh", model.TaskPriorityLow, now))

	expired := q.Expire(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)

	// a deadline equal to now has not passed yet
	assert.Equal(t, []string{"edge", "fresh"}, drainIDs(q))
}

func TestTaskQueueRequeue(t *testing.T) {
	now := time.Now()
	q := NewTaskQueue()
	q.Enqueue(queuedTask("h", model.TaskPriorityHigh, now))
	q.Enqueue(queuedTask("n1", model.TaskPriorityNormal, now))
	q.Enqueue(queuedTask("l", model.TaskPriorityLow, now))

	q.Requeue(queuedTask("n0", model.TaskPriorityNormal, now))
	assert.Equal(t, []string{"h", "n0", "n1", "l"}, drainIDs(q))
}

func TestTaskQueueDrain(t *testing.T) {
	now := time.Now()
	q := NewTaskQueue()
	q.Enqueue(queuedTask("a", 1, now))
	q.Enqueue(queuedTask("b", 3, now))

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].ID)
	assert.Zero(t, q.Len())
}

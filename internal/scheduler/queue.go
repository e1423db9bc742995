package scheduler

import (
	"time"

	"github.com/t77yq/trainpool/internal/model"
)

// TaskQueue holds tasks waiting for a free worker, ordered by priority
// (highest first) and by submission order within a priority. It is not safe for
// concurrent use; the pool only touches it from its coordinating goroutine.
type TaskQueue struct {
	tasks []*model.Task
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// Enqueue inserts task after every task with the same or higher priority
func (q *TaskQueue) Enqueue(task *model.Task) {
	i := len(q.tasks)
	for i > 0 && q.tasks[i-1].Priority < task.Priority {
		i--
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = task
}

// Dequeue removes and returns the head of the queue
func (q *TaskQueue) Dequeue() (*model.Task, bool) {
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task, true
}

// Remove deletes the task with the given id and reports whether it was queued
func (q *TaskQueue) Remove(id string) (*model.Task, bool) {
	for i, task := range q.tasks {
		if task.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return task, true
		}
	}
	return nil, false
}

// Expire removes and returns every task whose deadline is before now.
// Callers are responsible for failing the returned tasks.
func (q *TaskQueue) Expire(now time.Time) []*model.Task {
	var expired []*model.Task
	kept := q.tasks[:0]
	for _, task := range q.tasks {
		if task.Deadline().Before(now) {
			expired = append(expired, task)
			continue
		}
		kept = append(kept, task)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return expired
}

// Drain removes and returns every queued task in dispatch order
func (q *TaskQueue) Drain() []*model.Task {
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Requeue puts task back ahead of every queued task with the same priority
func (q *TaskQueue) Requeue(task *model.Task) {
	i := 0
	for i < len(q.tasks) && q.tasks[i].Priority > task.Priority {
		i++
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = task
}

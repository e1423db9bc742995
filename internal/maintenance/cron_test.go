package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/trainpool/internal/model"
)

type poolFunc func(ctx context.Context, kind model.TaskKind, payload json.RawMessage, priority model.TaskPriority) (*model.TaskResult, error)

func (f poolFunc) Execute(ctx context.Context, kind model.TaskKind, payload json.RawMessage, priority model.TaskPriority) (*model.TaskResult, error) {
	return f(ctx, kind, payload, priority)
}

type pruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (p *pruner) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return 3, p.err
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t), time.Second)

	var runs atomic.Int32
	require.NoError(t, s.AddJob("tick", "* * * * * *", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.AddJob("failing", "* * * * * *", func(context.Context) error {
		return errors.New("boom")
	}))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, "* * * * * *", j.Expression)
		assert.False(t, j.Next.IsZero())
	}

	require.NoError(t, s.RemoveJob("failing"))
	assert.ErrorIs(t, s.RemoveJob("failing"), ErrJobNotFound)
	assert.Len(t, s.Jobs(), 1)
}

func TestSchedulerReplacesJob(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t), 0)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddJob("cleanup", "0 */30 * * * *", noop))
	require.NoError(t, s.AddJob("cleanup", "0 0 3 * * *", noop))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 0 3 * * *", jobs[0].Expression)
}

func TestSchedulerInvalidExpression(t *testing.T) {
	s := NewScheduler(zaptest.NewLogger(t), 0)
	err := s.AddJob("bad", "every tuesday", func(context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestCleanupJob(t *testing.T) {
	var gotKind model.TaskKind
	var gotPriority model.TaskPriority
	pool := poolFunc(func(_ context.Context, kind model.TaskKind, _ json.RawMessage, priority model.TaskPriority) (*model.TaskResult, error) {
		gotKind, gotPriority = kind, priority
		return &model.TaskResult{TaskID: "t1", Data: json.RawMessage(`{"released":true}`)}, nil
	})

	require.NoError(t, CleanupJob(pool, zaptest.NewLogger(t))(context.Background()))
	assert.Equal(t, model.TaskKindCleanup, gotKind)
	assert.Equal(t, model.TaskPriorityLow, gotPriority)

	failing := poolFunc(func(context.Context, model.TaskKind, json.RawMessage, model.TaskPriority) (*model.TaskResult, error) {
		return nil, errors.New("pool is shutting down")
	})
	assert.ErrorContains(t, CleanupJob(failing, zaptest.NewLogger(t))(context.Background()), "shutting down")
}

func TestRetentionJob(t *testing.T) {
	clock := quartz.NewMock(t)
	now := clock.Now()

	p := &pruner{}
	job := RetentionJob(p, 30*24*time.Hour, clock, zaptest.NewLogger(t))
	require.NoError(t, job(context.Background()))
	require.Len(t, p.cutoffs, 1)
	assert.True(t, now.Add(-30*24*time.Hour).Equal(p.cutoffs[0]))

	p.err = errors.New("database is locked")
	assert.ErrorContains(t, job(context.Background()), "database is locked")
}

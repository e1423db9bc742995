package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/model"
)

// ErrJobNotFound is returned when removing a job that was never added
var ErrJobNotFound = errors.New("job not found")

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

// Executor submits a task to the worker pool
type Executor interface {
	Execute(ctx context.Context, kind model.TaskKind, payload json.RawMessage, priority model.TaskPriority) (*model.TaskResult, error)
}

// Pruner deletes history records completed before a cutoff
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Job describes a registered job
type Job struct {
	Name       string
	Expression string
	Next       time.Time
	Prev       time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Scheduler runs housekeeping jobs on cron expressions with a seconds field
type Scheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	timeout time.Duration

	mu    sync.Mutex
	jobs  map[string]cron.EntryID
	exprs map[string]string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Each job run is bounded by timeout when it is positive.
func NewScheduler(logger *zap.Logger, timeout time.Duration) *Scheduler {
	logger = logger.Named("maintenance")
	cl := &cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		timeout: timeout,
		jobs:    make(map[string]cron.EntryID),
		exprs:   make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddJob registers fn under name. Adding a name twice replaces the earlier job.
func (s *Scheduler) AddJob(name, expression string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(expression, func() { s.runJob(name, fn) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old)
	}
	s.jobs[name] = id
	s.exprs[name] = expression

	s.logger.Info("Added job",
		zap.String("job", name),
		zap.String("expression", expression))
	return nil
}

// RemoveJob unregisters a job by name
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(id)
	delete(s.jobs, name)
	delete(s.exprs, name)

	s.logger.Info("Removed job", zap.String("job", name))
	return nil
}

// Jobs lists registered jobs with their next and previous run times
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for name, id := range s.jobs {
		entry := s.cron.Entry(id)
		jobs = append(jobs, Job{
			Name:       name,
			Expression: s.exprs[name],
			Next:       entry.Next,
			Prev:       entry.Prev,
		})
	}
	return jobs
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runJob(name string, fn JobFunc) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.logger.Error("Job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("Job finished",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)))
}

// CleanupJob submits a low priority Cleanup task to the pool
func CleanupJob(pool Executor, logger *zap.Logger) JobFunc {
	return func(ctx context.Context) error {
		result, err := pool.Execute(ctx, model.TaskKindCleanup, nil, model.TaskPriorityLow)
		if err != nil {
			return fmt.Errorf("failed to run cleanup task: %w", err)
		}
		logger.Info("Cleanup task completed",
			zap.String("task_id", result.TaskID),
			zap.ByteString("result", result.Data))
		return nil
	}
}

// RetentionJob deletes history records older than retention
func RetentionJob(history Pruner, retention time.Duration, clock quartz.Clock, logger *zap.Logger) JobFunc {
	return func(ctx context.Context) error {
		cutoff := clock.Now().Add(-retention)
		n, err := history.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune task history: %w", err)
		}
		logger.Info("Pruned task history",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff))
		return nil
	}
}

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/config"
	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/model"
	"github.com/t77yq/trainpool/internal/monitor"
	"github.com/t77yq/trainpool/internal/notify"
)

// Option configures a WorkerPool
type Option func(*WorkerPool)

// WithClock sets the clock used for task timeouts and timestamps
func WithClock(clock quartz.Clock) Option {
	return func(p *WorkerPool) {
		p.clock = clock
	}
}

// WithNotifier sets the sink receiving task events
func WithNotifier(n notify.Notifier) Option {
	return func(p *WorkerPool) {
		p.sink = n
	}
}

// WithSampler sets the resource sampler workers report metrics from. Its readings
// are split evenly between the running workers.
func WithSampler(s executor.Sampler) Option {
	return func(p *WorkerPool) {
		p.workerOpts.Sampler = s
	}
}

// WithMetricsInterval sets how often workers report metrics
func WithMetricsInterval(d time.Duration) Option {
	return func(p *WorkerPool) {
		p.workerOpts.MetricsInterval = d
	}
}

// WithMonitorOptions passes options to the pool's performance monitor
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(p *WorkerPool) {
		p.monitorOpts = append(p.monitorOpts, opts...)
	}
}

// WorkerPool runs tasks on a fixed set of workers.
//
// All pool state is owned by a single coordinating goroutine. Callers, worker
// relays and timers talk to it over channels.
type WorkerPool struct {
	config      config.PoolConfig
	logger      *zap.Logger
	clock       quartz.Clock
	exec        executor.TaskExecutor
	sink        notify.Notifier
	notifier    *notify.Async
	fallback    *FallbackExecutor
	monitor     *monitor.PerformanceMonitor
	health      *monitor.HealthChecker
	workerOpts  executor.WorkerOptions
	monitorOpts []monitor.Option

	submitCh    chan *pendingTask
	inbox       chan envelope
	timeoutCh   chan string
	queryCh     chan func()
	terminateCh chan struct{}
	forceCh     chan struct{}

	workerCount   atomic.Int32
	shuttingDown  atomic.Bool
	terminateOnce sync.Once
	forceOnce     sync.Once
	quit          chan struct{}
	terminated    chan struct{}

	// owned by the coordinating goroutine
	workers   map[string]*workerHandle
	available map[string]struct{}
	busy      map[string]struct{}
	queue     *TaskQueue
	pending   map[string]*pendingTask
	draining  bool
}

type workerHandle struct {
	worker       *executor.Worker
	currentTask  string
	dispatchedAt time.Time
	metrics      model.WorkerMetrics
}

type pendingTask struct {
	task     *model.Task
	workerID string
	timer    *quartz.Timer
	done     chan outcome
}

type outcome struct {
	result *model.TaskResult
	err    error
}

type envelope struct {
	workerID string
	msg      executor.Message
	exited   bool
	err      error
}

var _ monitor.Source = (*WorkerPool)(nil)

// NewWorkerPool validates cfg, starts cfg.MaxWorkers workers when the pool is
// enabled and returns the running pool.
func NewWorkerPool(cfg config.PoolConfig, exec executor.TaskExecutor, logger *zap.Logger, opts ...Option) (*WorkerPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("%w: task executor is required", ErrInvalidConfiguration)
	}

	p := &WorkerPool{
		config:      cfg,
		logger:      logger.Named("worker-pool"),
		clock:       quartz.NewReal(),
		exec:        exec,
		sink:        notify.Nop{},
		submitCh:    make(chan *pendingTask),
		inbox:       make(chan envelope, inboxSize),
		timeoutCh:   make(chan string, inboxSize),
		queryCh:     make(chan func()),
		terminateCh: make(chan struct{}),
		forceCh:     make(chan struct{}),
		quit:        make(chan struct{}),
		terminated:  make(chan struct{}),
		workers:     make(map[string]*workerHandle),
		available:   make(map[string]struct{}),
		busy:        make(map[string]struct{}),
		queue:       NewTaskQueue(),
		pending:     make(map[string]*pendingTask),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.workerOpts.Clock = p.clock
	if p.workerOpts.Sampler != nil {
		// in-process workers all see the same process figures
		p.workerOpts.Sampler = executor.NewSplitSampler(p.workerOpts.Sampler, func() int {
			return int(p.workerCount.Load())
		})
	}

	p.notifier = notify.NewAsync(p.sink, notifyBufferSize, p.logger)
	p.fallback = NewFallbackExecutor(exec, p.notifier, p.clock, logger)
	p.health = monitor.NewHealthChecker(cfg.MaxMemoryPerWorkerMB, p.clock)
	p.monitor = monitor.NewPerformanceMonitor(p, monitor.DefaultThresholds(cfg.MaxMemoryPerWorkerMB), logger, p.monitorOpts...)

	if cfg.Enabled {
		for i := 0; i < cfg.MaxWorkers; i++ {
			p.spawnWorker()
		}
	}

	go p.run()
	p.monitor.Start(context.Background())

	p.logger.Info("Worker pool started",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("max_memory_per_worker_mb", cfg.MaxMemoryPerWorkerMB),
		zap.Duration("task_timeout", cfg.TaskTimeout()))

	return p, nil
}

// Execute submits a task and blocks until it resolves or ctx is done. When the
// pool is disabled the task runs directly on the calling goroutine.
func (p *WorkerPool) Execute(ctx context.Context, kind model.TaskKind, payload json.RawMessage, priority model.TaskPriority) (*model.TaskResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskKind, kind)
	}
	if p.shuttingDown.Load() {
		return nil, ErrPoolShuttingDown
	}
	if !p.config.Enabled {
		return p.fallback.Execute(ctx, kind, payload)
	}

	pt := &pendingTask{
		task: &model.Task{
			ID:          uuid.New().String(),
			Kind:        kind,
			Payload:     payload,
			Priority:    priority,
			SubmittedAt: p.clock.Now(),
			Timeout:     p.config.TaskTimeout(),
		},
		done: make(chan outcome, 1),
	}

	select {
	case p.submitCh <- pt:
	case <-p.quit:
		return nil, ErrPoolShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-pt.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports worker counts, the queue length and the latest metrics
func (p *WorkerPool) Status() model.PoolStatus {
	snapshot := p.Snapshot()
	busy := snapshot.BusyCount()

	status := model.PoolStatus{
		TotalWorkers:   len(snapshot.Workers),
		AvailableCount: len(snapshot.Workers) - busy,
		BusyCount:      busy,
		QueuedCount:    snapshot.QueuedCount,
		Metrics:        make([]model.WorkerMetrics, 0, len(snapshot.Workers)),
		Performance:    p.monitor.Current(),
	}
	for _, w := range snapshot.Workers {
		status.Metrics = append(status.Metrics, w.Metrics)
	}
	return status
}

// HealthCheck evaluates every worker's health
func (p *WorkerPool) HealthCheck() []model.WorkerHealth {
	return p.health.Check(p.Snapshot())
}

// PerformanceSummary returns the monitor's health summary
func (p *WorkerPool) PerformanceSummary() model.PerformanceSummary {
	return p.monitor.Summary()
}

// Snapshot returns a consistent copy of the pool state
func (p *WorkerPool) Snapshot() model.PoolSnapshot {
	reply := make(chan model.PoolSnapshot, 1)
	select {
	case p.queryCh <- func() { reply <- p.snapshot() }:
		return <-reply
	case <-p.quit:
		return model.PoolSnapshot{TakenAt: p.clock.Now()}
	}
}

// Terminate stops accepting tasks, waits for queued and running tasks to resolve
// and then stops every worker. If ctx expires first, everything still unresolved
// fails with ErrPoolShuttingDown and ctx.Err() is returned. Calling Terminate
// again after it completed returns immediately.
func (p *WorkerPool) Terminate(ctx context.Context) error {
	p.terminateOnce.Do(func() {
		p.shuttingDown.Store(true)
		close(p.terminateCh)
	})

	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
	}

	p.forceOnce.Do(func() {
		close(p.forceCh)
	})
	<-p.terminated
	return ctx.Err()
}

func (p *WorkerPool) run() {
	defer close(p.terminated)
	defer p.notifier.Close()
	defer p.monitor.Stop()
	defer close(p.quit)

	terminateCh := p.terminateCh
	forceCh := p.forceCh

	for {
		select {
		case pt := <-p.submitCh:
			p.submit(pt)

		case env := <-p.inbox:
			p.handleEnvelope(env)

		case id := <-p.timeoutCh:
			p.handleTimeout(id)

		case fn := <-p.queryCh:
			fn()

		case <-terminateCh:
			terminateCh = nil
			p.draining = true
			p.logger.Info("Worker pool draining",
				zap.Int("queued", p.queue.Len()),
				zap.Int("pending", len(p.pending)))

		case <-forceCh:
			forceCh = nil
			p.logger.Warn("Shutdown deadline reached, failing unresolved tasks",
				zap.Int("queued", p.queue.Len()),
				zap.Int("pending", len(p.pending)))
			p.queue.Drain()
			p.failPending(ErrPoolShuttingDown)
		}

		if p.draining && p.queue.Len() == 0 && len(p.pending) == 0 {
			p.shutdown()
			return
		}
	}
}

func (p *WorkerPool) submit(pt *pendingTask) {
	if p.draining {
		pt.done <- outcome{err: ErrPoolShuttingDown}
		return
	}

	id := pt.task.ID
	p.pending[id] = pt
	pt.timer = p.clock.AfterFunc(pt.task.Timeout, func() {
		select {
		case p.timeoutCh <- id:
		case <-p.quit:
		}
	}, "task-timeout")
	p.queue.Enqueue(pt.task)

	p.logger.Debug("Task queued",
		zap.String("task_id", id),
		zap.String("kind", string(pt.task.Kind)),
		zap.Int("priority", int(pt.task.Priority)),
		zap.Int("queued", p.queue.Len()))

	p.assign()
}

// assign hands queued tasks to available workers until either runs out
func (p *WorkerPool) assign() {
	for p.queue.Len() > 0 && len(p.available) > 0 {
		task, _ := p.queue.Dequeue()
		pt, ok := p.pending[task.ID]
		if !ok {
			continue
		}

		var h *workerHandle
		for id := range p.available {
			h = p.workers[id]
			break
		}

		if err := p.dispatch(h, pt); err != nil {
			p.logger.Warn("Failed to dispatch task, retiring worker",
				zap.String("task_id", task.ID),
				zap.String("worker_id", h.worker.ID()),
				zap.Error(err))
			p.queue.Requeue(task)
			p.retire(h)
			p.spawnWorker()
		}
	}
}

func (p *WorkerPool) dispatch(h *workerHandle, pt *pendingTask) error {
	now := p.clock.Now()
	err := h.worker.Send(executor.TaskMessage{
		ID:        pt.task.ID,
		Kind:      pt.task.Kind,
		Payload:   pt.task.Payload,
		Timestamp: now,
	})
	if err != nil {
		return err
	}

	id := h.worker.ID()
	delete(p.available, id)
	p.busy[id] = struct{}{}
	h.currentTask = pt.task.ID
	h.dispatchedAt = now
	touch(&h.metrics, now)
	pt.workerID = id

	p.logger.Debug("Task dispatched",
		zap.String("task_id", pt.task.ID),
		zap.String("worker_id", id),
		zap.Duration("waited", now.Sub(pt.task.SubmittedAt)))
	return nil
}

func (p *WorkerPool) handleEnvelope(env envelope) {
	h, ok := p.workers[env.workerID]
	if !ok {
		return
	}

	if env.exited {
		p.handleExit(h, env.err)
		return
	}
	h.metrics.MessageLatencyMs = latencyMs(p.clock.Now(), env.msg.Time())

	switch msg := env.msg.(type) {
	case executor.ProgressMessage:
		p.handleProgress(h, msg)
	case executor.ResponseMessage:
		p.handleResponse(h, msg)
	case executor.MetricsMessage:
		p.handleMetrics(h, msg)
	default:
		p.logger.Warn("Unexpected message from worker",
			zap.String("worker_id", env.workerID),
			zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (p *WorkerPool) handleProgress(h *workerHandle, msg executor.ProgressMessage) {
	touch(&h.metrics, msg.Timestamp)

	event := notify.Event{
		Kind:      notify.EventForPhase(msg.Phase),
		TaskID:    msg.ID,
		WorkerID:  h.worker.ID(),
		Phase:     msg.Phase,
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
	}
	if pt, ok := p.pending[msg.ID]; ok {
		event.TaskKind = pt.task.Kind
	}
	p.notify(event)
}

func (p *WorkerPool) handleResponse(h *workerHandle, msg executor.ResponseMessage) {
	now := p.clock.Now()
	touch(&h.metrics, msg.Timestamp)

	if msg.ID != h.currentTask {
		// reply to a control message such as the Stop sent after a timeout
		p.logger.Debug("Ignoring response for non-current task",
			zap.String("worker_id", h.worker.ID()),
			zap.String("response_id", msg.ID),
			zap.String("current_task_id", h.currentTask))
		return
	}

	// a task that already timed out counts as failed even if it finished late
	pt, pending := p.pending[msg.ID]
	h.metrics.BusyTimeMs += now.Sub(h.dispatchedAt).Milliseconds()
	if msg.Success && pending {
		h.metrics.TasksCompleted++
	} else {
		h.metrics.TasksFailed++
	}
	p.release(h)

	if pending {
		delete(p.pending, msg.ID)
		pt.timer.Stop()
		p.resolveResponse(pt, h.worker.ID(), msg, now)
	}

	p.assign()
}

func (p *WorkerPool) resolveResponse(pt *pendingTask, workerID string, msg executor.ResponseMessage, now time.Time) {
	task := pt.task
	duration := now.Sub(task.SubmittedAt)

	if !msg.Success {
		execErr := newWorkerExecutionError(task.ID, workerID, msg.Error)
		p.logger.Warn("Task failed",
			zap.String("task_id", task.ID),
			zap.String("worker_id", workerID),
			zap.String("code", execErr.Code),
			zap.String("error", execErr.Message))
		p.notify(notify.Event{
			Kind:       notify.EventFailed,
			TaskID:     task.ID,
			TaskKind:   task.Kind,
			WorkerID:   workerID,
			Error:      msg.Error,
			DurationMs: duration.Milliseconds(),
			Timestamp:  now,
		})
		pt.done <- outcome{err: execErr}
		return
	}

	result := &model.TaskResult{
		TaskID:      task.ID,
		Kind:        task.Kind,
		WorkerID:    workerID,
		Status:      model.TaskStatusCompleted,
		Data:        msg.Data,
		CompletedAt: now,
		Duration:    duration,
	}
	p.logger.Info("Task completed",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID),
		zap.String("kind", string(task.Kind)),
		zap.Duration("duration", duration))
	p.notify(notify.Event{
		Kind:       notify.EventCompleted,
		TaskID:     task.ID,
		TaskKind:   task.Kind,
		WorkerID:   workerID,
		Data:       msg.Data,
		DurationMs: duration.Milliseconds(),
		Timestamp:  now,
	})
	pt.done <- outcome{result: result}
}

func (p *WorkerPool) handleMetrics(h *workerHandle, msg executor.MetricsMessage) {
	h.metrics.CPUUsageSeconds = msg.CPUUsage
	h.metrics.MemoryUsageMB = msg.MemoryUsage
	touch(&h.metrics, msg.LastActivity)
}

func (p *WorkerPool) handleTimeout(id string) {
	pt, ok := p.pending[id]
	if !ok {
		return
	}
	now := p.clock.Now()

	if _, queued := p.queue.Remove(id); queued {
		p.timeoutTask(pt, now, "queued")
	} else {
		p.timeoutTask(pt, now, "running")
		if h, ok := p.workers[pt.workerID]; ok && h.currentTask == id {
			p.stopWorkerTask(h, id, now)
		}
	}

	for _, task := range p.queue.Expire(now) {
		if expired, ok := p.pending[task.ID]; ok {
			p.timeoutTask(expired, now, "queued")
		}
	}
}

func (p *WorkerPool) timeoutTask(pt *pendingTask, now time.Time, stage string) {
	task := pt.task
	delete(p.pending, task.ID)
	pt.timer.Stop()

	err := fmt.Errorf("%w: task %s exceeded %s while %s", ErrTaskTimeout, task.ID, task.Timeout, stage)
	p.logger.Warn("Task timed out",
		zap.String("task_id", task.ID),
		zap.String("worker_id", pt.workerID),
		zap.String("stage", stage),
		zap.Duration("timeout", task.Timeout))
	p.notify(notify.Event{
		Kind:       notify.EventFailed,
		TaskID:     task.ID,
		TaskKind:   task.Kind,
		WorkerID:   pt.workerID,
		Error:      &model.TaskError{Code: notify.TimeoutCode, Message: err.Error()},
		DurationMs: now.Sub(task.SubmittedAt).Milliseconds(),
		Timestamp:  now,
	})
	pt.done <- outcome{err: err}
}

// stopWorkerTask asks a worker to abandon a task that timed out. The worker stays
// busy until it answers for that task.
func (p *WorkerPool) stopWorkerTask(h *workerHandle, taskID string, now time.Time) {
	err := h.worker.Send(executor.TaskMessage{
		ID:        "stop-" + taskID,
		Kind:      model.TaskKindStop,
		Timestamp: now,
	})
	if err != nil {
		p.logger.Warn("Failed to send stop to worker",
			zap.String("worker_id", h.worker.ID()),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (p *WorkerPool) handleExit(h *workerHandle, err error) {
	id := h.worker.ID()
	orphan := h.currentTask
	p.retire(h)

	p.logger.Error("Worker exited unexpectedly",
		zap.String("worker_id", id),
		zap.String("orphaned_task_id", orphan),
		zap.Error(fmt.Errorf("%w: %v", ErrWorkerCrash, err)))

	if p.draining {
		return
	}
	p.spawnWorker()
	p.assign()
}

func (p *WorkerPool) spawnWorker() {
	id := uuid.New().String()
	now := p.clock.Now()

	w := executor.NewWorker(id, p.exec, p.logger, p.workerOpts)
	p.workers[id] = &workerHandle{
		worker: w,
		metrics: model.WorkerMetrics{
			WorkerID:       id,
			StartedAt:      now,
			LastActivityAt: now,
		},
	}
	p.available[id] = struct{}{}
	p.workerCount.Add(1)

	w.Start()
	go p.relay(w)

	p.logger.Debug("Worker spawned", zap.String("worker_id", id))
}

// retire drops a worker and its metrics from the pool
func (p *WorkerPool) retire(h *workerHandle) {
	id := h.worker.ID()
	h.worker.Terminate()
	if _, ok := p.workers[id]; ok {
		p.workerCount.Add(-1)
	}
	delete(p.workers, id)
	delete(p.available, id)
	delete(p.busy, id)
}

func (p *WorkerPool) release(h *workerHandle) {
	id := h.worker.ID()
	h.currentTask = ""
	delete(p.busy, id)
	p.available[id] = struct{}{}
}

// relay forwards a worker's messages to the coordinator, then reports its exit
func (p *WorkerPool) relay(w *executor.Worker) {
	id := w.ID()
	for {
		select {
		case msg := <-w.Messages():
			if !p.forward(envelope{workerID: id, msg: msg}) {
				return
			}
		case <-w.Done():
			if !p.drainRelay(w) {
				return
			}
			p.forward(envelope{workerID: id, exited: true, err: w.Err()})
			return
		case <-p.quit:
			return
		}
	}
}

func (p *WorkerPool) drainRelay(w *executor.Worker) bool {
	for {
		select {
		case msg := <-w.Messages():
			if !p.forward(envelope{workerID: w.ID(), msg: msg}) {
				return false
			}
		default:
			return true
		}
	}
}

func (p *WorkerPool) forward(env envelope) bool {
	select {
	case p.inbox <- env:
		return true
	case <-p.quit:
		return false
	}
}

func (p *WorkerPool) failPending(err error) {
	now := p.clock.Now()
	for id, pt := range p.pending {
		delete(p.pending, id)
		if pt.timer != nil {
			pt.timer.Stop()
		}
		p.notify(notify.Event{
			Kind:      notify.EventFailed,
			TaskID:    id,
			TaskKind:  pt.task.Kind,
			WorkerID:  pt.workerID,
			Error:     &model.TaskError{Code: "shutdown", Message: err.Error()},
			Timestamp: now,
		})
		pt.done <- outcome{err: err}
	}
}

func (p *WorkerPool) shutdown() {
	p.queue.Drain()
	p.failPending(ErrPoolShuttingDown)

	workers := make([]*executor.Worker, 0, len(p.workers))
	for _, h := range p.workers {
		workers = append(workers, h.worker)
		p.retire(h)
	}

	deadline := time.NewTimer(workerStopTimeout)
	defer deadline.Stop()
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline.C:
			p.logger.Warn("Timed out waiting for workers to stop")
			return
		}
	}

	p.logger.Info("Worker pool terminated", zap.Int("workers", len(workers)))
}

func (p *WorkerPool) snapshot() model.PoolSnapshot {
	now := p.clock.Now()
	snapshot := model.PoolSnapshot{
		Workers:     make([]model.WorkerSnapshot, 0, len(p.workers)),
		QueuedCount: p.queue.Len(),
		TakenAt:     now,
	}

	for id, h := range p.workers {
		metrics := h.metrics
		metrics.UptimeMs = now.Sub(metrics.StartedAt).Milliseconds()

		state := model.WorkerStateAvailable
		if _, ok := p.busy[id]; ok {
			state = model.WorkerStateBusy
		}
		snapshot.Workers = append(snapshot.Workers, model.WorkerSnapshot{
			ID:            id,
			State:         state,
			CurrentTaskID: h.currentTask,
			Metrics:       metrics,
		})
	}
	return snapshot
}

func (p *WorkerPool) notify(event notify.Event) {
	if err := p.notifier.Notify(context.Background(), event); err != nil {
		p.logger.Debug("Notification not delivered",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

// touch advances lastActivityAt, never moving it backwards
func touch(m *model.WorkerMetrics, t time.Time) {
	if t.After(m.LastActivityAt) {
		m.LastActivityAt = t
	}
}

func latencyMs(now, sent time.Time) float64 {
	d := now.Sub(sent)
	if d < 0 {
		return 0
	}
	return float64(d.Microseconds()) / 1000
}

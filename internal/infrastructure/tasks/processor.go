package tasks

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/id"
)

// Config configures the processor.
type Config struct {
	// Workers is the pool size; 0 means runtime.NumCPU()
	Workers int
	// TaskTimeout bounds each execution; 0 disables
	TaskTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Recorder    Recorder
}

// Processor drains an unbounded, priority-ordered queue with a fixed worker pool.
type Processor struct {
	workers     int
	taskTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	recorder    Recorder

	sem    *semaphore.Weighted
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once

	mu       sync.Mutex
	queues   [priorityLevels][]*job
	queued   int
	inFlight int
	closed   bool
	stats    counters
}

// New creates a processor. Workers start on Start.
func New(cfg Config) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NoopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Processor{
		workers:     workers,
		taskTimeout: cfg.TaskTimeout,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logger.Named("tasks"),
		recorder:    recorder,
		sem:         semaphore.NewWeighted(int64(workers)),
		notify:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		stats:       newCounters(),
	}
}

// Workers returns the pool size.
func (p *Processor) Workers() int {
	return p.workers
}

// Start launches the worker pool. Calling it again has no effect.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting background task processor", zap.Int("workers", p.workers))
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Submit queues run under tag and returns once it is queued.
func (p *Processor) Submit(tag string, priority Priority, run func(ctx context.Context) error) (id.TaskID, error) {
	if run == nil {
		return "", ErrNilOperation
	}
	if !priority.valid() {
		return "", fmt.Errorf("invalid task priority %d", priority)
	}

	j := &job{
		Task: Task{
			ID:         id.NewTaskID(),
			Tag:        tag,
			Priority:   priority,
			EnqueuedAt: p.clock.Now(),
		},
		run: run,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrProcessorClosed
	}
	p.queues[priority] = append(p.queues[priority], j)
	p.queued++
	p.stats.enqueued(tag, priority)
	queued, inFlight := p.queued, p.inFlight
	p.mu.Unlock()

	p.recorder.TaskEnqueued(tag, priority)
	p.recorder.QueueDepth(queued, inFlight)
	p.signal()

	p.logger.Debug("task enqueued",
		zap.String("task_id", j.ID.String()),
		zap.String("tag", tag),
		zap.Stringer("priority", priority),
	)
	return j.ID, nil
}

// Enqueue queues op(param) on p. The parameter is captured by value.
func Enqueue[T any](p *Processor, tag string, op func(ctx context.Context, param T) error, param T, priority Priority) (id.TaskID, error) {
	if op == nil {
		return "", ErrNilOperation
	}
	return p.Submit(tag, priority, func(ctx context.Context) error {
		return op(ctx, param)
	})
}

// Pending returns queued plus executing tasks.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued + p.inFlight
}

// Shutdown stops intake, abandons queued tasks and cancels the context seen by
// executing tasks. It waits for executing tasks until ctx expires.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var abandoned []*job
	for i := range p.queues {
		abandoned = append(abandoned, p.queues[i]...)
		p.queues[i] = nil
	}
	p.queued = 0
	p.stats.abandoned += int64(len(abandoned))
	inFlight := p.inFlight
	p.mu.Unlock()

	for _, j := range abandoned {
		p.recorder.TaskFinished(j.Tag, OutcomeAbandoned, 0)
		p.logger.Warn("task abandoned at shutdown",
			zap.String("task_id", j.ID.String()),
			zap.String("tag", j.Tag),
		)
	}
	p.recorder.QueueDepth(0, inFlight)

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Background task processor stopped", zap.Int("abandoned", len(abandoned)))
		return nil
	case <-ctx.Done():
		p.logger.Warn("Background task processor shutdown timed out", zap.Int("in_flight", p.Pending()))
		return ctx.Err()
	}
}

func (p *Processor) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Processor) worker(n int) {
	defer p.wg.Done()

	for {
		j, ok := p.next()
		if !ok {
			return
		}

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.finish(j, err, 0, OutcomeAbandoned)
			continue
		}
		p.execute(j)
		p.sem.Release(1)
	}
}

// next blocks until a task is available or the processor is cancelled.
func (p *Processor) next() (*job, bool) {
	for {
		p.mu.Lock()
		j := p.popLocked()
		if j != nil {
			p.inFlight++
			more := p.queued > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return j, true
		}
		p.mu.Unlock()

		select {
		case <-p.ctx.Done():
			return nil, false
		case <-p.notify:
		}
	}
}

func (p *Processor) popLocked() *job {
	for prio := priorityLevels - 1; prio >= 0; prio-- {
		q := p.queues[prio]
		if len(q) == 0 {
			continue
		}
		j := q[0]
		q[0] = nil
		p.queues[prio] = q[1:]
		p.queued--
		return j
	}
	return nil
}

func (p *Processor) execute(j *job) {
	ctx := p.ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	start := p.clock.Now()
	err := p.safeRun(ctx, j)
	duration := p.clock.Since(start)

	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeFailed
	}
	p.finish(j, err, duration, outcome)
}

func (p *Processor) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("task panicked",
				zap.String("task_id", j.ID.String()),
				zap.String("tag", j.Tag),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return j.run(ctx)
}

func (p *Processor) finish(j *job, err error, duration time.Duration, outcome string) {
	p.mu.Lock()
	p.inFlight--
	switch outcome {
	case OutcomeCompleted:
		p.stats.completed++
		p.stats.observe(duration)
	case OutcomeFailed:
		p.stats.failed++
		p.stats.observe(duration)
	case OutcomeAbandoned:
		p.stats.abandoned++
	}
	queued, inFlight := p.queued, p.inFlight
	p.mu.Unlock()

	p.recorder.TaskFinished(j.Tag, outcome, duration)
	p.recorder.QueueDepth(queued, inFlight)

	if err != nil && outcome == OutcomeFailed {
		p.logger.Error("background task failed",
			zap.String("task_id", j.ID.String()),
			zap.String("tag", j.Tag),
			zap.Stringer("priority", j.Priority),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("background task finished",
		zap.String("task_id", j.ID.String()),
		zap.String("tag", j.Tag),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration),
	)
}

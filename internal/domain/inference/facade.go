package inference

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/resilience"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tasks"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tracing"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

// Circuit keys and operation names. Each operation trips independently.
const (
	OpListModels = "inference.models"
	OpGenerate   = "inference.generate"
	OpStatus     = "inference.status"
	OpPullModel  = "inference.pull"
)

// RetryTaskTag tags background retries in processor stats.
const RetryTaskTag = "inference.retry"

// OfflinePlaceholder is the text of a completion produced while offline.
const OfflinePlaceholder = "The story assistant is offline. Your draft is safe; try again shortly."

// Recorder receives façade metrics.
type Recorder interface {
	CacheHit(operation string)
	CacheMiss(operation string)
	DegradedResult(operation string)
}

type noopRecorder struct{}

func (noopRecorder) CacheHit(string)       {}
func (noopRecorder) CacheMiss(string)      {}
func (noopRecorder) DegradedResult(string) {}

// DegradedEvent describes a call that fell back instead of failing.
type DegradedEvent struct {
	Operation   string    `json:"operation"`
	Reason      string    `json:"reason"`
	CircuitOpen bool      `json:"circuit_open"`
	RetryQueued bool      `json:"retry_queued"`
	At          time.Time `json:"at"`
}

// Options configures the façade.
type Options struct {
	Breaker *resilience.Breaker
	Retry   resilience.Policy
	Tasks   *tasks.Processor

	// Timeout bounds each attempt against the service
	Timeout       time.Duration
	ModelsTTL     time.Duration
	GenerationTTL time.Duration
	StaleFor      time.Duration

	OnDegraded func(DegradedEvent)
	Recorder   Recorder
	Tracer     *tracing.Tracer
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Facade wraps Service with a circuit breaker, retries and a local cache.
// Its methods never return errors: failures turn into degraded values and a
// background retry.
type Facade struct {
	svc        Service
	breaker    *resilience.Breaker
	retry      resilience.Policy
	tasks      *tasks.Processor
	timeout    time.Duration
	budget     time.Duration
	modelsTTL  time.Duration
	genTTL     time.Duration
	onDegraded func(DegradedEvent)
	recorder   Recorder
	tracer     *tracing.Tracer
	clock      clock.Clock
	logger     *zap.Logger

	models      *Cache[[]Model]
	completions *Cache[Completion]
	group       singleflight.Group

	statusMu   sync.RWMutex
	lastStatus ServiceStatus

	pendingMu sync.Mutex
	pending   map[string]bool
}

// NewFacade builds a façade around svc.
func NewFacade(svc Service, opts Options) *Facade {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.New(resilience.Settings{Clock: opts.Clock, Logger: logger})
	}
	retry := opts.Retry
	if retry.InitialDelay <= 0 {
		retry = resilience.DefaultPolicy()
	}
	if retry.Clock == nil {
		retry.Clock = opts.Clock
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	modelsTTL := opts.ModelsTTL
	if modelsTTL <= 0 {
		modelsTTL = 5 * time.Minute
	}
	genTTL := opts.GenerationTTL
	if genTTL <= 0 {
		genTTL = 10 * time.Minute
	}

	return &Facade{
		svc:         svc,
		breaker:     breaker,
		retry:       retry,
		tasks:       opts.Tasks,
		timeout:     timeout,
		budget:      callBudget(retry, timeout),
		modelsTTL:   modelsTTL,
		genTTL:      genTTL,
		onDegraded:  opts.OnDegraded,
		recorder:    recorder,
		tracer:      opts.Tracer,
		clock:       clock.OrReal(opts.Clock),
		logger:      logger.Named("inference"),
		models:      NewCache[[]Model](opts.Clock, opts.StaleFor),
		completions: NewCache[Completion](opts.Clock, opts.StaleFor),
		pending:     make(map[string]bool),
	}
}

// ListModels returns the available models. On failure it returns the last
// known list, or an empty one.
func (f *Facade) ListModels(ctx context.Context) []Model {
	if models, ok := f.models.Get(modelsKey); ok {
		f.recorder.CacheHit(OpListModels)
		return slices.Clone(models)
	}
	f.recorder.CacheMiss(OpListModels)

	models, err := shared(ctx, f, modelsKey, func(ctx context.Context) ([]Model, error) {
		models, err := guarded(ctx, f, OpListModels, f.svc.ListModels)
		if err != nil {
			return nil, err
		}
		f.models.Set(modelsKey, models, f.modelsTTL)
		return models, nil
	})
	if err == nil {
		return slices.Clone(models)
	}

	f.degrade(ctx, OpListModels, modelsKey, err, f.refreshModels)
	if stale, ok := f.models.GetStale(modelsKey); ok {
		return slices.Clone(stale)
	}
	return []Model{}
}

// Generate returns a completion for req. On failure it returns the last cached
// completion for the same request, or an offline placeholder.
func (f *Facade) Generate(ctx context.Context, req GenerationRequest) Completion {
	key := RequestKey(req)

	if c, ok := f.completions.Get(key); ok {
		f.recorder.CacheHit(OpGenerate)
		c.Cached = true
		return c
	}
	f.recorder.CacheMiss(OpGenerate)

	c, err := shared(ctx, f, key, func(ctx context.Context) (Completion, error) {
		c, err := guarded(ctx, f, OpGenerate, func(ctx context.Context) (Completion, error) {
			return f.svc.Generate(ctx, req)
		})
		if err != nil {
			return Completion{}, err
		}
		f.completions.Set(key, c, f.genTTL)
		return c, nil
	})
	if err == nil {
		return c
	}

	f.degrade(ctx, OpGenerate, key, err, func(ctx context.Context) error {
		c, err := f.svc.Generate(ctx, req)
		if err != nil {
			return err
		}
		f.completions.Set(key, c, f.genTTL)
		return nil
	})
	if stale, ok := f.completions.GetStale(key); ok {
		stale.Cached = true
		stale.Stale = true
		return stale
	}
	return Completion{Model: req.Model, Text: OfflinePlaceholder, Offline: true}
}

// Status reports whether the service is reachable. It is never cached.
func (f *Facade) Status(ctx context.Context) ServiceStatus {
	status, err := guarded(ctx, f, OpStatus, f.svc.Status)
	if err == nil {
		return f.markOnline(status)
	}

	f.degrade(ctx, OpStatus, OpStatus, err, f.refreshStatus)
	return f.markOffline(err)
}

// CheckStatus makes a single attempt through the breaker, bounded by ctx and
// the per-call timeout. It neither retries nor queues a background refresh,
// so an unreachable service costs the caller one attempt at most.
func (f *Facade) CheckStatus(ctx context.Context) ServiceStatus {
	status, err := traced(ctx, f, OpStatus, func(ctx context.Context) (ServiceStatus, error) {
		return resilience.ExecuteWithBreaker(ctx, f.breaker, OpStatus, bounded(f, f.svc.Status))
	})
	if err == nil {
		return f.markOnline(status)
	}

	f.recorder.DegradedResult(OpStatus)
	f.logger.Debug("status check failed", zap.Error(err))
	return f.markOffline(err)
}

// LastStatus returns the most recent status seen by Status or a background refresh.
func (f *Facade) LastStatus() ServiceStatus {
	f.statusMu.RLock()
	defer f.statusMu.RUnlock()
	return f.lastStatus
}

// PullModel asks the service to download a model. It reports false on failure.
func (f *Facade) PullModel(ctx context.Context, name string) bool {
	pull := func(ctx context.Context) error {
		if err := f.svc.PullModel(ctx, name); err != nil {
			return err
		}
		f.models.Invalidate(modelsKey)
		return nil
	}

	_, err := guarded(ctx, f, OpPullModel, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, pull(ctx)
	})
	if err == nil {
		return true
	}

	f.degrade(ctx, OpPullModel, OpPullModel+":"+name, err, pull)
	return false
}

// InvalidateModels drops the cached model list.
func (f *Facade) InvalidateModels() {
	f.models.Invalidate(modelsKey)
}

// Sweep evicts long-expired cache entries.
func (f *Facade) Sweep() int {
	return f.models.Sweep() + f.completions.Sweep()
}

// CacheStats reports both caches.
func (f *Facade) CacheStats() map[string]CacheStats {
	return map[string]CacheStats{
		"models":      f.models.Stats(),
		"completions": f.completions.Stats(),
	}
}

// PendingRetries returns the number of background retries not yet finished.
func (f *Facade) PendingRetries() int {
	f.pendingMu.Lock()
	defer f.pendingMu.Unlock()
	return len(f.pending)
}

func (f *Facade) refreshModels(ctx context.Context) error {
	models, err := f.svc.ListModels(ctx)
	if err != nil {
		return err
	}
	f.models.Set(modelsKey, models, f.modelsTTL)
	return nil
}

func (f *Facade) refreshStatus(ctx context.Context) error {
	status, err := f.svc.Status(ctx)
	if err != nil {
		return err
	}
	f.markOnline(status)
	return nil
}

func (f *Facade) markOnline(status ServiceStatus) ServiceStatus {
	status.Online = true
	if status.CheckedAt.IsZero() {
		status.CheckedAt = f.clock.Now()
	}
	f.setLastStatus(status)
	return status
}

func (f *Facade) markOffline(err error) ServiceStatus {
	offline := ServiceStatus{Online: false, Reason: err.Error(), CheckedAt: f.clock.Now()}
	f.setLastStatus(offline)
	return offline
}

func (f *Facade) setLastStatus(s ServiceStatus) {
	f.statusMu.Lock()
	f.lastStatus = s
	f.statusMu.Unlock()
}

type retryJob struct {
	op  string
	key string
	run func(ctx context.Context) error
}

// degrade logs the failure and queues one background retry per key.
func (f *Facade) degrade(ctx context.Context, op, key string, err error, run func(ctx context.Context) error) {
	f.recorder.DegradedResult(op)

	circuitOpen := resilience.IsCircuitOpen(err)
	if circuitOpen {
		f.logger.Debug("inference call rejected by open circuit", zap.String("operation", op))
	} else {
		f.logger.Warn("inference call failed, returning degraded result",
			zap.String("operation", op),
			zap.Error(err),
		)
	}

	queued := false
	// caller cancellation is not a service failure
	if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		queued = f.enqueueRetry(retryJob{op: op, key: key, run: run})
	}

	if f.onDegraded != nil {
		f.onDegraded(DegradedEvent{
			Operation:   op,
			Reason:      err.Error(),
			CircuitOpen: circuitOpen,
			RetryQueued: queued,
			At:          f.clock.Now(),
		})
	}
}

func (f *Facade) enqueueRetry(job retryJob) bool {
	if f.tasks == nil {
		return false
	}

	f.pendingMu.Lock()
	if f.pending[job.key] {
		f.pendingMu.Unlock()
		return false
	}
	f.pending[job.key] = true
	f.pendingMu.Unlock()

	_, err := tasks.Enqueue(f.tasks, RetryTaskTag, f.runRetry, job, tasks.PriorityHigh)
	if err != nil {
		f.clearPending(job.key)
		f.logger.Warn("could not queue background retry", zap.String("operation", job.op), zap.Error(err))
		return false
	}
	return true
}

// runRetry repeats job on the retry policy's schedule, waiting before every
// attempt. A rejection by an open circuit waits out the recovery window and
// does not use up an attempt. Failures go through ExecuteFollowUp because the
// call that queued the job has already counted one against the circuit.
func (f *Facade) runRetry(ctx context.Context, job retryJob) error {
	defer f.clearPending(job.key)

	backoff := f.retry.InitialDelay
	wait := backoff
	for attempt := 0; ; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(wait):
		}

		err := f.breaker.ExecuteFollowUp(ctx, job.op, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			return job.run(ctx)
		})
		if err == nil {
			f.logger.Info("background retry succeeded", zap.String("operation", job.op))
			return nil
		}

		var open *resilience.CircuitOpenError
		if errors.As(err, &open) {
			wait = open.RetryAfter
			if wait <= 0 {
				// another caller holds the half-open trial
				wait = f.retry.InitialDelay
			}
			f.logger.Debug("background retry waiting for circuit",
				zap.String("operation", job.op),
				zap.Duration("wait", wait),
			)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		if attempt > f.retry.MaxRetries {
			return err
		}
		backoff = f.retry.NextDelay(backoff)
		wait = backoff
	}
}

func (f *Facade) clearPending(key string) {
	f.pendingMu.Lock()
	delete(f.pending, key)
	f.pendingMu.Unlock()
}

// guarded runs fn through the breaker, then the retry policy, with a timeout per attempt.
func guarded[T any](ctx context.Context, f *Facade, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return traced(ctx, f, op, func(ctx context.Context) (T, error) {
		return resilience.ExecuteWithBreaker(ctx, f.breaker, op, func(ctx context.Context) (T, error) {
			return resilience.ExecuteWithRetry(ctx, f.retry, op, bounded(f, fn))
		})
	})
}

func bounded[T any](f *Facade, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return fn(ctx)
	}
}

func traced[T any](ctx context.Context, f *Facade, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var span *tracing.Span
	if f.tracer != nil {
		span, ctx = f.tracer.StartSpan(ctx, op)
	}
	v, err := fn(ctx)
	if span != nil {
		f.tracer.Finish(span, err)
	}
	return v, err
}

// shared runs fn once for all concurrent callers of key. The work outlives
// the caller that started it and is bounded by the façade's call budget; each
// caller stops waiting when its own ctx is done.
func shared[T any](ctx context.Context, f *Facade, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := f.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.budget)
		defer cancel()
		return fn(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// callBudget is the longest a guarded call can legitimately take: every
// attempt at the full timeout plus the backoff between them, with one
// attempt of slack.
func callBudget(p resilience.Policy, timeout time.Duration) time.Duration {
	budget := time.Duration(p.MaxRetries+2) * timeout
	for _, d := range p.Delays() {
		budget += d
	}
	return budget
}

package startup

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tracing"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/id"
)

// State of the orchestrator.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateComplete
	StateFailed
	StateCancelled
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	RunID       id.RunID  `json:"run_id,omitempty"`
	State       State     `json:"state"`
	Phase       string    `json:"phase,omitempty"`
	Progress    float64   `json:"progress"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Options configures an orchestrator.
type Options struct {
	Clock    clock.Clock
	Logger   *zap.Logger
	Tracer   *tracing.Tracer
	Observer Observer
}

// Orchestrator runs the startup plan: critical phases in order on the caller's
// goroutine, then background phases detached.
type Orchestrator struct {
	phases   []Phase
	clock    clock.Clock
	logger   *zap.Logger
	tracer   *tracing.Tracer
	observer Observer

	mu          sync.Mutex
	state       State
	runID       id.RunID
	current     string
	progress    float64
	err         error
	startedAt   time.Time
	completedAt time.Time
	metrics     *Metrics
	cancel      context.CancelFunc
	done        chan struct{}

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
	emitMu  sync.Mutex
}

// run holds per-run bookkeeping touched by one goroutine at a time.
type run struct {
	id        id.RunID
	start     time.Time
	critical  time.Duration
	durations map[string]time.Duration
	failed    []string
	recorder  *Recorder
	done      chan struct{}
}

// New validates the plan and creates an orchestrator.
func New(phases []Phase, opts Options) (*Orchestrator, error) {
	if err := validatePlan(phases); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	plan := make([]Phase, len(phases))
	copy(plan, phases)

	return &Orchestrator{
		phases:   plan,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.Named("startup"),
		tracer:   opts.Tracer,
		observer: observer,
		done:     make(chan struct{}),
		subs:     make(map[int]func(Event)),
	}, nil
}

// Phases returns a copy of the plan.
func (o *Orchestrator) Phases() []Phase {
	out := make([]Phase, len(o.phases))
	copy(out, o.phases)
	return out
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it. Events are delivered synchronously and in order, so fn must not
// block or call Start.
func (o *Orchestrator) Subscribe(fn func(Event)) (unsubscribe func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	n := o.nextSub
	o.nextSub++
	o.subs[n] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			delete(o.subs, n)
		})
	}
}

// Start runs the critical phases and returns once they finish, leaving the
// background phases running. It returns a *PhaseError when a critical phase
// fails and the context error when the run is cancelled. Cancelling ctx stops
// the critical path only; use Cancel to stop a run after Start returns.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateRunning:
		o.mu.Unlock()
		return ErrAlreadyRunning
	case StateComplete:
		o.mu.Unlock()
		return ErrAlreadyComplete
	case StateFailed, StateCancelled:
		o.done = make(chan struct{})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:        id.NewRunID(),
		start:     o.clock.Now(),
		durations: make(map[string]time.Duration, len(o.phases)),
		recorder:  &Recorder{},
		done:      o.done,
	}
	o.state = StateRunning
	o.runID = r.id
	o.current = ""
	o.progress = 0
	o.err = nil
	o.metrics = nil
	o.startedAt = r.start
	o.completedAt = time.Time{}
	o.cancel = cancel
	o.mu.Unlock()

	o.logger.Info("Starting application", zap.String("run_id", r.id.String()), zap.Int("phases", len(o.phases)))

	stop := context.AfterFunc(ctx, cancel)
	err := o.runCritical(runCtx, r)
	stop()

	if err != nil {
		o.finish(r, err)
		cancel()
		return err
	}

	go func() {
		defer cancel()
		o.finish(r, o.runBackground(runCtx, r))
	}()
	return nil
}

// Cancel signals the running phases to stop. Completed phases are not rolled back.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning && o.cancel != nil {
		o.logger.Info("Startup cancellation requested", zap.String("run_id", o.runID.String()))
		o.cancel()
	}
}

// Done is closed when the current run ends in any state.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Status returns the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		RunID:       o.runID,
		State:       o.state,
		Phase:       o.current,
		Progress:    o.progress,
		StartedAt:   o.startedAt,
		CompletedAt: o.completedAt,
		Metrics:     o.metrics,
	}
	if o.err != nil {
		s.Error = o.err.Error()
	}
	return s
}

// Metrics returns the metrics of the last completed run, or nil.
func (o *Orchestrator) Metrics() *Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

func (o *Orchestrator) runCritical(ctx context.Context, r *run) error {
	for i, p := range o.phases {
		if p.Background {
			break
		}
		d, err := o.runPhase(ctx, r, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &PhaseError{Phase: p.Name, Err: err}
		}
		o.phaseChanged(r, p, i, d)
	}
	r.critical = o.clock.Since(r.start)

	o.logger.Info("Critical startup phases complete, UI is available",
		zap.String("run_id", r.id.String()),
		zap.Duration("duration", r.critical),
	)
	return nil
}

func (o *Orchestrator) runBackground(ctx context.Context, r *run) error {
	for i, p := range o.phases {
		if !p.Background {
			continue
		}
		d, err := o.runPhase(ctx, r, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.failed = append(r.failed, p.Name)
			o.logger.Warn("Background startup phase failed, continuing",
				zap.String("run_id", r.id.String()),
				zap.String("phase", p.Name),
				zap.Error(err),
			)
		}
		o.phaseChanged(r, p, i, d)
	}
	return nil
}

// runPhase enters p, runs its action and records the duration.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, p Phase) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.current = p.Name
	if p.Target > o.progress {
		o.progress = p.Target
	}
	progress := o.progress
	o.mu.Unlock()

	o.observer.SetStartupProgress(progress)
	o.emit(Event{Type: EventProgressChanged, RunID: r.id, Progress: progress, Phase: p.Name})

	var span *tracing.Span
	if o.tracer != nil {
		span, ctx = o.tracer.StartSpan(ctx, "startup."+p.Name)
		span.SetTag("run_id", r.id.String())
	}

	start := o.clock.Now()
	err := o.safeRun(ctx, r, p)
	d := o.clock.Since(start)

	r.durations[p.Name] = d
	o.observer.PhaseCompleted(p.Name, d)
	if span != nil {
		o.tracer.Finish(span, err)
	}

	o.logger.Debug("startup phase finished",
		zap.String("phase", p.Name),
		zap.Bool("background", p.Background),
		zap.Duration("duration", d),
		zap.Error(err),
	)
	return d, err
}

func (o *Orchestrator) safeRun(ctx context.Context, r *run, p Phase) (err error) {
	if p.Action == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("phase panicked: %v", rec)
			o.logger.Error("startup phase panicked",
				zap.String("phase", p.Name),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return p.Action(ctx, r.recorder)
}

func (o *Orchestrator) phaseChanged(r *run, p Phase, i int, d time.Duration) {
	next := PhaseComplete
	if i+1 < len(o.phases) {
		next = o.phases[i+1].Name
	}

	o.mu.Lock()
	progress := o.progress
	o.mu.Unlock()

	o.emit(Event{
		Type:             EventPhaseChanged,
		RunID:            r.id,
		Progress:         progress,
		Phase:            next,
		PreviousPhase:    p.Name,
		PreviousDuration: d,
	})
}

// finish moves the run to its terminal state and raises the final event.
func (o *Orchestrator) finish(r *run, err error) {
	now := o.clock.Now()
	defer close(r.done)

	o.mu.Lock()

	switch {
	case err == nil:
		m := o.buildMetrics(r, now)
		o.state = StateComplete
		o.current = PhaseComplete
		o.progress = 1.0
		o.metrics = m
		o.completedAt = now
		o.mu.Unlock()

		o.observer.SetStartupProgress(1.0)
		o.emit(Event{Type: EventProgressChanged, RunID: r.id, Progress: 1.0, Phase: PhaseComplete})
		o.emit(Event{Type: EventCompleted, RunID: r.id, Progress: 1.0, Phase: PhaseComplete, Metrics: m})
		o.logger.Info("Startup complete",
			zap.String("run_id", r.id.String()),
			zap.Duration("total", m.TotalDuration),
			zap.Duration("critical_path", m.CriticalPathDuration),
			zap.Strings("failed_background_phases", m.FailedPhases),
		)

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.state = StateCancelled
		o.err = err
		o.completedAt = now
		phase, progress := o.current, o.progress
		o.mu.Unlock()

		o.emit(Event{Type: EventCancelled, RunID: r.id, Progress: progress, Phase: phase, Err: err, Error: err.Error()})
		o.logger.Warn("Startup cancelled", zap.String("run_id", r.id.String()), zap.String("phase", phase))

	default:
		o.state = StateFailed
		o.err = err
		o.completedAt = now
		progress := o.progress
		phase := o.current
		var pe *PhaseError
		if errors.As(err, &pe) {
			phase = pe.Phase
		}
		o.mu.Unlock()

		o.emit(Event{Type: EventFailed, RunID: r.id, Progress: progress, Phase: phase, Err: err, Error: err.Error()})
		o.logger.Error("Startup failed",
			zap.String("run_id", r.id.String()),
			zap.String("phase", phase),
			zap.Error(err),
		)
	}
}

// buildMetrics is called with o.mu held.
func (o *Orchestrator) buildMetrics(r *run, now time.Time) *Metrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	durations := make(map[string]time.Duration, len(r.durations))
	for name, d := range r.durations {
		durations[name] = d
	}

	r.recorder.mu.Lock()
	defer r.recorder.mu.Unlock()

	return &Metrics{
		RunID:                r.id,
		TotalDuration:        now.Sub(r.start),
		CriticalPathDuration: r.critical,
		PhaseDurations:       durations,
		FailedPhases:         append([]string(nil), r.failed...),
		ServicesResolved:     r.recorder.servicesResolved,
		MemoryUsedBytes:      mem.Alloc,
		MigrationRan:         r.recorder.migrationRan,
		SeedingRan:           r.recorder.seedingRan,
	}
}

func (o *Orchestrator) emit(e Event) {
	if e.At.IsZero() {
		e.At = o.clock.Now()
	}

	o.subMu.RLock()
	subs := make([]func(Event), 0, len(o.subs))
	for n := 0; n < o.nextSub; n++ {
		if fn, ok := o.subs[n]; ok {
			subs = append(subs, fn)
		}
	}
	o.subMu.RUnlock()

	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

package startup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, e := range l.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	phases   []string
	progress []float64
}

func (r *recordingObserver) PhaseCompleted(phase string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

func (r *recordingObserver) SetStartupProgress(p float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func newOrchestrator(t *testing.T, actions map[string]Action, clk clock.Clock) (*Orchestrator, *eventLog) {
	t.Helper()
	o, err := New(StandardPhases(actions), Options{Clock: clk, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	log := &eventLog{}
	t.Cleanup(o.Subscribe(log.record))
	return o, log
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("startup run did not finish")
	}
}

func advance(clk *clock.Fake, d time.Duration) Action {
	return func(context.Context, *Recorder) error {
		clk.Advance(d)
		return nil
	}
}

func TestStartProgressIsMonotonicAndEndsAtOne(t *testing.T) {
	o, log := newOrchestrator(t, nil, nil)

	require.NoError(t, o.Start(context.Background()))
	waitDone(t, o)

	var last float64
	var progress []float64
	for _, e := range log.ofType(EventProgressChanged) {
		assert.GreaterOrEqual(t, e.Progress, last)
		last = e.Progress
		progress = append(progress, e.Progress)
	}
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4, 0.7, 0.9, 1.0}, progress)

	var previous []string
	for _, e := range log.ofType(EventPhaseChanged) {
		previous = append(previous, e.PreviousPhase)
	}
	assert.Equal(t, []string{
		PhaseHostStart, PhaseServiceResolution, PhaseThemeInit,
		PhaseInitialPaint, PhaseDataLoad, PhaseStorageInit,
	}, previous)

	completed := log.ofType(EventCompleted)
	require.Len(t, completed, 1)
	require.NotNil(t, completed[0].Metrics)
	assert.Empty(t, log.ofType(EventFailed))

	events := log.all()
	assert.Equal(t, EventCompleted, events[len(events)-1].Type)

	s := o.Status()
	assert.Equal(t, StateComplete, s.State)
	assert.Equal(t, PhaseComplete, s.Phase)
	assert.Equal(t, 1.0, s.Progress)
	assert.NotEmpty(t, s.RunID)
}

func TestPhaseDurationsAreMeasured(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	o, log := newOrchestrator(t, map[string]Action{
		PhaseHostStart:    advance(clk, 100*time.Millisecond),
		PhaseThemeInit:    advance(clk, 30*time.Millisecond),
		PhaseDataLoad:     advance(clk, 2*time.Second),
		PhaseStorageInit:  advance(clk, 500*time.Millisecond),
		PhaseInitialPaint: advance(clk, 20*time.Millisecond),
	}, clk)

	require.NoError(t, o.Start(context.Background()))
	waitDone(t, o)

	m := o.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, 100*time.Millisecond, m.PhaseDurations[PhaseHostStart])
	assert.Equal(t, time.Duration(0), m.PhaseDurations[PhaseServiceResolution])
	assert.Equal(t, 2*time.Second, m.PhaseDurations[PhaseDataLoad])
	assert.Equal(t, 150*time.Millisecond, m.CriticalPathDuration)
	assert.Equal(t, 2650*time.Millisecond, m.TotalDuration)
	assert.Positive(t, m.MemoryUsedBytes)

	changes := log.ofType(EventPhaseChanged)
	require.NotEmpty(t, changes)
	assert.Equal(t, PhaseHostStart, changes[0].PreviousPhase)
	assert.Equal(t, 100*time.Millisecond, changes[0].PreviousDuration)
	assert.Equal(t, PhaseServiceResolution, changes[0].Phase)
	assert.Equal(t, PhaseComplete, changes[len(changes)-1].Phase)
}

func TestConcurrentStartRunsOnce(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var runs int
	o, log := newOrchestrator(t, map[string]Action{
		PhaseHostStart: func(ctx context.Context, _ *Recorder) error {
			runs++
			close(entered)
			<-release
			return nil
		},
	}, nil)

	first := make(chan error, 1)
	go func() { first <- o.Start(context.Background()) }()
	<-entered

	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)
	assert.Equal(t, StateRunning, o.Status().State)

	close(release)
	require.NoError(t, <-first)
	waitDone(t, o)

	assert.Equal(t, 1, runs)
	assert.Len(t, log.ofType(EventCompleted), 1)
	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyComplete)
}

func TestBackgroundFailureStillCompletes(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	var storageRan bool
	o, log := newOrchestrator(t, map[string]Action{
		PhaseDataLoad: func(context.Context, *Recorder) error {
			clk.Advance(40 * time.Millisecond)
			return errors.New("index unreadable")
		},
		PhaseStorageInit: func(context.Context, *Recorder) error {
			storageRan = true
			return nil
		},
	}, clk)

	require.NoError(t, o.Start(context.Background()))
	waitDone(t, o)

	assert.Empty(t, log.ofType(EventFailed))
	completed := log.ofType(EventCompleted)
	require.Len(t, completed, 1)

	m := completed[0].Metrics
	require.NotNil(t, m)
	assert.Equal(t, 40*time.Millisecond, m.PhaseDurations[PhaseDataLoad])
	assert.Equal(t, []string{PhaseDataLoad}, m.FailedPhases)
	assert.True(t, storageRan)
	assert.Equal(t, StateComplete, o.Status().State)
}

func TestCriticalFailureAbortsAndAllowsRestart(t *testing.T) {
	boom := errors.New("theme file corrupt")
	fail := true
	var paints int
	o, log := newOrchestrator(t, map[string]Action{
		PhaseThemeInit: func(context.Context, *Recorder) error {
			if fail {
				return boom
			}
			return nil
		},
		PhaseInitialPaint: func(context.Context, *Recorder) error {
			paints++
			return nil
		},
	}, nil)

	err := o.Start(context.Background())
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseThemeInit, pe.Phase)
	assert.ErrorIs(t, err, boom)
	waitDone(t, o)

	failed := log.ofType(EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, PhaseThemeInit, failed[0].Phase)
	assert.ErrorIs(t, failed[0].Err, boom)
	assert.Empty(t, log.ofType(EventCompleted))
	assert.Zero(t, paints)

	s := o.Status()
	assert.Equal(t, StateFailed, s.State)
	assert.Contains(t, s.Error, "theme file corrupt")
	assert.Nil(t, o.Metrics())

	fail = false
	require.NoError(t, o.Start(context.Background()))
	waitDone(t, o)
	assert.Equal(t, StateComplete, o.Status().State)
	assert.Equal(t, 1, paints)
}

func TestPanickingPhaseFails(t *testing.T) {
	o, log := newOrchestrator(t, map[string]Action{
		PhaseServiceResolution: func(context.Context, *Recorder) error { panic("nil service") },
	}, nil)

	err := o.Start(context.Background())
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseServiceResolution, pe.Phase)
	waitDone(t, o)
	assert.Len(t, log.ofType(EventFailed), 1)
}

func TestCancelStopsBackgroundPhases(t *testing.T) {
	entered := make(chan struct{})
	var storageRan bool
	o, log := newOrchestrator(t, map[string]Action{
		PhaseDataLoad: func(ctx context.Context, _ *Recorder) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
		PhaseStorageInit: func(context.Context, *Recorder) error {
			storageRan = true
			return nil
		},
	}, nil)

	require.NoError(t, o.Start(context.Background()))
	<-entered
	o.Cancel()
	waitDone(t, o)

	assert.False(t, storageRan)
	assert.Len(t, log.ofType(EventCancelled), 1)
	assert.Empty(t, log.ofType(EventCompleted))
	assert.Empty(t, log.ofType(EventFailed))

	s := o.Status()
	assert.Equal(t, StateCancelled, s.State)
	assert.Equal(t, PhaseDataLoad, s.Phase)
	assert.Equal(t, 0.7, s.Progress)
}

func TestCallerContextCancelsCriticalPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o, log := newOrchestrator(t, map[string]Action{
		PhaseHostStart: func(ctx context.Context, _ *Recorder) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil)

	err := o.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	waitDone(t, o)

	assert.Equal(t, StateCancelled, o.Status().State)
	assert.Len(t, log.ofType(EventCancelled), 1)
	assert.Empty(t, log.ofType(EventFailed))
}

func TestCallerContextDoesNotStopBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	o, _ := newOrchestrator(t, map[string]Action{
		PhaseDataLoad: func(ctx context.Context, _ *Recorder) error {
			<-release
			return ctx.Err()
		},
	}, nil)

	require.NoError(t, o.Start(ctx))
	cancel()
	close(release)
	waitDone(t, o)

	assert.Equal(t, StateComplete, o.Status().State)
}

func TestRecorderFactsReachMetrics(t *testing.T) {
	o, _ := newOrchestrator(t, map[string]Action{
		PhaseServiceResolution: func(_ context.Context, rec *Recorder) error {
			rec.ServicesResolved(3)
			rec.ServicesResolved(1)
			return nil
		},
		PhaseStorageInit: func(_ context.Context, rec *Recorder) error {
			rec.MigrationRan()
			rec.SeedingRan()
			return nil
		},
	}, nil)

	require.NoError(t, o.Start(context.Background()))
	waitDone(t, o)

	m := o.Metrics()
	require.NotNil(t, m)
	assert.Equal(t, 4, m.ServicesResolved)
	assert.True(t, m.MigrationRan)
	assert.True(t, m.SeedingRan)
	assert.Empty(t, m.FailedPhases)
}

func TestObserverAndUnsubscribe(t *testing.T) {
	obs := &recordingObserver{}
	o, err := New(StandardPhases(nil), Options{Logger: zaptest.NewLogger(t), Observer: obs})
	require.NoError(t, err)

	var count int
	unsubscribe := o.Subscribe(func(Event) { count++ })
	unsubscribe()
	unsubscribe()

	require.NoError(t, o.Start(context.Background()))
	waitDone(t, o)

	assert.Zero(t, count)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.phases, 6)
	assert.Equal(t, 1.0, obs.progress[len(obs.progress)-1])
}

func TestNewRejectsInvalidPlans(t *testing.T) {
	tests := []struct {
		name   string
		phases []Phase
	}{
		{"empty", nil},
		{"unnamed", []Phase{{Target: 0.5}}},
		{"reserved name", []Phase{{Name: PhaseComplete, Target: 0.5}}},
		{"duplicate", []Phase{{Name: "a", Target: 0.2}, {Name: "a", Target: 0.4}}},
		{"not increasing", []Phase{{Name: "a", Target: 0.4}, {Name: "b", Target: 0.4}}},
		{"target of one", []Phase{{Name: "a", Target: 1.0}}},
		{"critical after background", []Phase{
			{Name: "a", Target: 0.2, Background: true},
			{Name: "b", Target: 0.4},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.phases, Options{})
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

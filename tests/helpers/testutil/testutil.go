// Package testutil provides testing utilities and helpers for host tests.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/des-work/WorldBuilder-sub000/internal/domain/inference"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/resilience"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tasks"
	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

// ErrServiceDown is returned by mocks configured as offline.
var ErrServiceDown = errors.New("inference service unavailable")

// Epoch is the start time for fake clocks in tests.
var Epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// MockService is a mock implementation of inference.Service.
type MockService struct {
	mock.Mock
}

// ListModels mocks the ListModels method.
func (m *MockService) ListModels(ctx context.Context) ([]inference.Model, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]inference.Model), args.Error(1)
}

// Generate mocks the Generate method.
func (m *MockService) Generate(ctx context.Context, req inference.GenerationRequest) (inference.Completion, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(inference.Completion), args.Error(1)
}

// Status mocks the Status method.
func (m *MockService) Status(ctx context.Context) (inference.ServiceStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(inference.ServiceStatus), args.Error(1)
}

// PullModel mocks the PullModel method.
func (m *MockService) PullModel(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

// NewMockService creates a mock service that is online by default.
func NewMockService(t *testing.T) *MockService {
	t.Helper()
	m := new(MockService)

	m.On("ListModels", mock.Anything).
		Return(SampleModels(), nil).
		Maybe()
	m.On("Generate", mock.Anything, mock.Anything).
		Return(inference.Completion{Model: "llama3", Text: "Once upon a time"}, nil).
		Maybe()
	m.On("Status", mock.Anything).
		Return(inference.ServiceStatus{Online: true, Version: "0.3.0"}, nil).
		Maybe()
	m.On("PullModel", mock.Anything, mock.Anything).
		Return(nil).
		Maybe()

	return m
}

// NewOfflineService creates a mock service whose every call fails.
func NewOfflineService(t *testing.T) *MockService {
	t.Helper()
	m := new(MockService)

	m.On("ListModels", mock.Anything).Return(nil, ErrServiceDown).Maybe()
	m.On("Generate", mock.Anything, mock.Anything).Return(inference.Completion{}, ErrServiceDown).Maybe()
	m.On("Status", mock.Anything).Return(inference.ServiceStatus{}, ErrServiceDown).Maybe()
	m.On("PullModel", mock.Anything, mock.Anything).Return(ErrServiceDown).Maybe()

	return m
}

// SampleModels returns a small model list.
func SampleModels() []inference.Model {
	return []inference.Model{
		{Name: "llama3", Size: 4_700_000_000, ModifiedAt: Epoch},
		{Name: "mistral", Size: 4_100_000_000, ModifiedAt: Epoch},
	}
}

// Stack bundles a façade with the components behind it.
type Stack struct {
	Clock     *clock.Fake
	Breaker   *resilience.Breaker
	Processor *tasks.Processor
	Facade    *inference.Facade
	Logs      *observer.ObservedLogs
}

// StackOptions tunes NewStack.
type StackOptions struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	MaxRetries       int
	// Timeout bounds each attempt; defaults to one second
	Timeout time.Duration
	// StartProcessor starts the worker pool; otherwise retries stay queued.
	StartProcessor bool
	OnDegraded     func(inference.DegradedEvent)
}

// NewStack wires a façade around svc with an auto-advancing fake clock, so
// retry backoff never sleeps.
func NewStack(t *testing.T, svc inference.Service, opts StackOptions) *Stack {
	t.Helper()

	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout == 0 {
		opts.RecoveryTimeout = time.Minute
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	fake := clock.NewAutoFake(Epoch)

	breaker := resilience.New(resilience.Settings{
		FailureThreshold: opts.FailureThreshold,
		RecoveryTimeout:  opts.RecoveryTimeout,
		Clock:            fake,
		Logger:           logger,
	})

	policy := resilience.NewPolicy(opts.MaxRetries, time.Second, 2, time.Minute)
	policy.Clock = fake

	processor := tasks.New(tasks.Config{Workers: 1, Clock: fake, Logger: logger})
	if opts.StartProcessor {
		processor.Start()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
	})

	facade := inference.NewFacade(svc, inference.Options{
		Breaker:    breaker,
		Retry:      policy,
		Tasks:      processor,
		Timeout:    opts.Timeout,
		Clock:      fake,
		Logger:     logger,
		OnDegraded: opts.OnDegraded,
	})

	return &Stack{
		Clock:     fake,
		Breaker:   breaker,
		Processor: processor,
		Facade:    facade,
		Logs:      logs,
	}
}

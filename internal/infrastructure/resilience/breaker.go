package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned without invoking the operation when the
// circuit for Key rejects the call.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit %q is open (retry after %s)", e.Key, e.RetryAfter)
	}
	return fmt.Sprintf("circuit %q is open (probe in flight)", e.Key)
}

// Is reports ErrCircuitOpen so callers can use errors.Is.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen reports whether err is a circuit rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit
	FailureThreshold uint32
	// RecoveryTimeout is how long an open circuit rejects calls before admitting a probe
	RecoveryTimeout time.Duration
	// OnStateChange is called under the circuit lock whenever a key changes state.
	// It must not call back into the breaker for the same key.
	OnStateChange func(key string, from State, to State)
	// OnReject is called for every call rejected by an open circuit
	OnReject func(key string)
	Clock    clock.Clock
	Logger   *zap.Logger
}

// DefaultSettings returns the stock thresholds.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}
}

// CircuitRecord is a point-in-time copy of one key's circuit.
type CircuitRecord struct {
	Key                 string    `json:"key"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

type circuit struct {
	mu          sync.Mutex
	key         string
	state       State
	failures    uint32
	lastFailure time.Time
	probing     bool
	generation  uint64
}

// Breaker implements the circuit breaker pattern with independent state per key.
// Circuits are created lazily on first use and live for the breaker's lifetime.
type Breaker struct {
	settings Settings
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// New creates a new keyed circuit breaker with the given settings
func New(settings Settings) *Breaker {
	defaults := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = defaults.FailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = defaults.RecoveryTimeout
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		settings: settings,
		clock:    clock.OrReal(settings.Clock),
		logger:   logger.Named("breaker"),
		circuits: make(map[string]*circuit),
	}
}

// Settings returns the effective settings.
func (b *Breaker) Settings() Settings {
	return b.settings
}

// Execute runs fn if the circuit for key accepts it. A rejected call returns a
// *CircuitOpenError without invoking fn. Cancellation of ctx is not counted
// as a dependency failure.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return b.execute(ctx, key, fn, true)
}

// ExecuteFollowUp runs fn like Execute for a call whose failure was already
// counted, such as a background retry. Its failures leave a closed circuit's
// count alone. Success still resets the count, and a half-open trial still
// decides the circuit.
func (b *Breaker) ExecuteFollowUp(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return b.execute(ctx, key, fn, false)
}

func (b *Breaker) execute(ctx context.Context, key string, fn func(ctx context.Context) error, counted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := b.circuit(key)
	generation, probe, err := b.beforeRequest(c)
	if err != nil {
		if b.settings.OnReject != nil {
			b.settings.OnReject(key)
		}
		b.logger.Debug("call rejected", zap.String("key", key), zap.String("reason", err.Error()))
		return err
	}

	defer func() {
		if e := recover(); e != nil {
			b.afterRequest(c, generation, probe, outcomeFailure)
			panic(e)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		b.afterRequest(c, generation, probe, outcomeSuccess)
	case ctx.Err() != nil, !counted && !probe:
		b.afterRequest(c, generation, probe, outcomeCancelled)
	default:
		b.afterRequest(c, generation, probe, outcomeFailure)
	}
	return err
}

// State returns the recorded state of a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.RLock()
	c, ok := b.circuits[key]
	b.mu.RUnlock()
	if !ok {
		return StateClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Record returns a copy of the circuit for key.
func (b *Breaker) Record(key string) (CircuitRecord, bool) {
	b.mu.RLock()
	c, ok := b.circuits[key]
	b.mu.RUnlock()
	if !ok {
		return CircuitRecord{}, false
	}
	return c.record(), true
}

// Snapshot returns a copy of every known circuit ordered by key.
func (b *Breaker) Snapshot() []CircuitRecord {
	b.mu.RLock()
	circuits := make([]*circuit, 0, len(b.circuits))
	for _, c := range b.circuits {
		circuits = append(circuits, c)
	}
	b.mu.RUnlock()

	records := make([]CircuitRecord, 0, len(circuits))
	for _, c := range circuits {
		records = append(records, c.record())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records
}

// Reset forces the circuit for key back to closed. Results of calls started
// before the reset are discarded. Returns false for unknown keys.
func (b *Breaker) Reset(key string) bool {
	b.mu.RLock()
	c, ok := b.circuits[key]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.probing = false
	if c.state == StateClosed {
		c.generation++
		return true
	}
	b.setState(c, StateClosed, b.clock.Now())
	return true
}

func (b *Breaker) circuit(key string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[key]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[key]; ok {
		return c
	}
	c = &circuit{key: key, state: StateClosed}
	b.circuits[key] = c
	return c
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeCancelled
)

// beforeRequest is called before a request is executed
func (b *Breaker) beforeRequest(c *circuit) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.clock.Now()

	if c.state == StateOpen {
		elapsed := now.Sub(c.lastFailure)
		if elapsed < b.settings.RecoveryTimeout {
			return c.generation, false, &CircuitOpenError{
				Key:        c.key,
				RetryAfter: b.settings.RecoveryTimeout - elapsed,
			}
		}
		b.setState(c, StateHalfOpen, now)
	}

	if c.state == StateHalfOpen {
		if c.probing {
			return c.generation, false, &CircuitOpenError{Key: c.key}
		}
		c.probing = true
		return c.generation, true, nil
	}

	return c.generation, false, nil
}

// afterRequest is called after a request is executed
func (b *Breaker) afterRequest(c *circuit, before uint64, probe bool, result outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != before {
		return
	}
	if probe {
		c.probing = false
	}

	now := b.clock.Now()
	switch result {
	case outcomeSuccess:
		b.onSuccess(c, now)
	case outcomeFailure:
		b.onFailure(c, now)
	}
}

// onSuccess handles successful requests
func (b *Breaker) onSuccess(c *circuit, now time.Time) {
	c.failures = 0
	if c.state == StateHalfOpen {
		b.setState(c, StateClosed, now)
	}
}

// onFailure handles failed requests
func (b *Breaker) onFailure(c *circuit, now time.Time) {
	c.failures++
	c.lastFailure = now

	switch c.state {
	case StateClosed:
		if c.failures >= b.settings.FailureThreshold {
			b.setState(c, StateOpen, now)
		}
	case StateHalfOpen:
		if c.failures < b.settings.FailureThreshold {
			c.failures = b.settings.FailureThreshold
		}
		b.setState(c, StateOpen, now)
	}
}

// setState changes the state of a circuit
func (b *Breaker) setState(c *circuit, state State, now time.Time) {
	if c.state == state {
		return
	}

	prev := c.state
	c.state = state
	c.generation++

	if state == StateOpen {
		c.lastFailure = now
	}

	if state == StateOpen {
		b.logger.Warn("circuit state changed",
			zap.String("key", c.key),
			zap.Stringer("from", prev),
			zap.Stringer("to", state),
			zap.Uint32("consecutive_failures", c.failures),
		)
	} else {
		b.logger.Info("circuit state changed",
			zap.String("key", c.key),
			zap.Stringer("from", prev),
			zap.Stringer("to", state),
		)
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(c.key, prev, state)
	}
}

func (c *circuit) record() CircuitRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CircuitRecord{
		Key:                 c.key,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		LastFailure:         c.lastFailure,
	}
}

// ExecuteWithBreaker runs a value-returning operation through the breaker.
func ExecuteWithBreaker[T any](ctx context.Context, b *Breaker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/resilience"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tasks"
)

const namespace = "worldbuilder"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Circuit breaker and retry metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec

	// Background task metrics
	TasksEnqueued *prometheus.CounterVec
	TasksFinished *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	QueueLength   prometheus.Gauge
	TasksInFlight prometheus.Gauge

	// Startup metrics
	PhaseDuration   *prometheus.HistogramVec
	StartupProgress prometheus.Gauge

	// Façade metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	Degraded    *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API
	snapshot MetricsSnapshot
	mu       sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalErrors      int64   `json:"total_errors"`
	AvgResponseTime  float64 `json:"avg_response_time_seconds"`
	CircuitsOpen     int64   `json:"circuits_open"`
	CircuitRejects   int64   `json:"circuit_rejects"`
	DegradedResults  int64   `json:"degraded_results"`
	TasksFailed      int64   `json:"tasks_failed"`
	ActiveStreams    int64   `json:"active_streams"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	StartupProgress  float64 `json:"startup_progress"`
	totalDuration    float64
	requestCount     int64
	openCircuitsByID map[string]bool
}

// NewMetrics creates a collector registered on reg. A nil reg uses a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		snapshot:  MetricsSnapshot{openCircuitsByID: make(map[string]bool)},

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit state per key (0 closed, 1 half-open, 2 open)",
			},
			[]string{"key"},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Circuit state transitions",
			},
			[]string{"key", "from", "to"},
		),
		CircuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_rejections_total",
				Help:      "Calls rejected by an open circuit",
			},
			[]string{"key"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retries scheduled after a failed attempt",
			},
			[]string{"operation"},
		),

		TasksEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_enqueued_total",
				Help:      "Background tasks enqueued",
			},
			[]string{"tag", "priority"},
		),
		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Background tasks finished by outcome",
			},
			[]string{"tag", "outcome"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Background task execution time",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
			},
			[]string{"tag"},
		),
		QueueLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_queue_depth",
				Help:      "Background tasks waiting for a worker",
			},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Background tasks currently executing",
			},
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "startup_phase_duration_seconds",
				Help:      "Startup phase duration",
				Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
			},
			[]string{"phase"},
		),
		StartupProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "startup_progress_ratio",
				Help:      "Startup progress between 0 and 1",
			},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "facade_cache_hits_total",
				Help:      "Façade cache hits",
			},
			[]string{"operation"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "facade_cache_misses_total",
				Help:      "Façade cache misses",
			},
			[]string{"operation"},
		),
		Degraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "facade_degraded_total",
				Help:      "Degraded results returned instead of errors",
			},
			[]string{"operation"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active event stream connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Event stream messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Host uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	m.snapshot.requestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// CircuitStateChanged records a breaker transition.
func (m *Metrics) CircuitStateChanged(key string, from, to resilience.State) {
	m.CircuitTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	m.CircuitState.WithLabelValues(key).Set(stateValue(to))

	m.mu.Lock()
	if to == resilience.StateOpen {
		m.snapshot.openCircuitsByID[key] = true
	} else {
		delete(m.snapshot.openCircuitsByID, key)
	}
	m.snapshot.CircuitsOpen = int64(len(m.snapshot.openCircuitsByID))
	m.mu.Unlock()
}

// CircuitRejected records a call refused by an open circuit.
func (m *Metrics) CircuitRejected(key string) {
	m.CircuitRejections.WithLabelValues(key).Inc()
	m.mu.Lock()
	m.snapshot.CircuitRejects++
	m.mu.Unlock()
}

// RetryAttempted records a scheduled retry.
func (m *Metrics) RetryAttempted(attempt resilience.RetryAttempt) {
	m.RetryAttempts.WithLabelValues(attempt.OperationID).Inc()
}

// TaskEnqueued implements tasks.Recorder.
func (m *Metrics) TaskEnqueued(tag string, priority tasks.Priority) {
	m.TasksEnqueued.WithLabelValues(tag, priority.String()).Inc()
}

// TaskFinished implements tasks.Recorder.
func (m *Metrics) TaskFinished(tag string, outcome string, duration time.Duration) {
	m.TasksFinished.WithLabelValues(tag, outcome).Inc()
	if outcome != tasks.OutcomeAbandoned {
		m.TaskDuration.WithLabelValues(tag).Observe(duration.Seconds())
	}
	if outcome == tasks.OutcomeFailed {
		m.mu.Lock()
		m.snapshot.TasksFailed++
		m.mu.Unlock()
	}
}

// QueueDepth implements tasks.Recorder.
func (m *Metrics) QueueDepth(queued, inFlight int) {
	m.QueueLength.Set(float64(queued))
	m.TasksInFlight.Set(float64(inFlight))
}

// PhaseCompleted records how long a startup phase took.
func (m *Metrics) PhaseCompleted(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// SetStartupProgress sets the startup progress gauge.
func (m *Metrics) SetStartupProgress(progress float64) {
	m.StartupProgress.Set(progress)
	m.mu.Lock()
	m.snapshot.StartupProgress = progress
	m.mu.Unlock()
}

// CacheHit records a façade cache hit.
func (m *Metrics) CacheHit(operation string) {
	m.CacheHits.WithLabelValues(operation).Inc()
}

// CacheMiss records a façade cache miss.
func (m *Metrics) CacheMiss(operation string) {
	m.CacheMisses.WithLabelValues(operation).Inc()
}

// DegradedResult records a fallback returned by the façade.
func (m *Metrics) DegradedResult(operation string) {
	m.Degraded.WithLabelValues(operation).Inc()
	m.mu.Lock()
	m.snapshot.DegradedResults++
	m.mu.Unlock()
}

// RecordWSMessage records an event stream message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments event stream connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveStreams++
	m.mu.Unlock()
}

// DecWSConnections decrements event stream connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveStreams--
	m.mu.Unlock()
}

// Snapshot returns the JSON-friendly summary.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.openCircuitsByID = nil
	if s.requestCount > 0 {
		s.AvgResponseTime = s.totalDuration / float64(s.requestCount)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}

func stateValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

package startup

import (
	"time"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/id"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventProgressChanged EventType = "startup.progress"
	EventPhaseChanged    EventType = "startup.phase"
	EventCompleted       EventType = "startup.completed"
	EventFailed          EventType = "startup.failed"
	EventCancelled       EventType = "startup.cancelled"
)

// Event is delivered to subscribers in emission order.
type Event struct {
	Type     EventType `json:"type"`
	RunID    id.RunID  `json:"run_id"`
	Progress float64   `json:"progress"`
	// Phase is the phase now current
	Phase string `json:"phase,omitempty"`
	// PreviousPhase and PreviousDuration describe the phase that just ended
	PreviousPhase    string        `json:"previous_phase,omitempty"`
	PreviousDuration time.Duration `json:"previous_duration,omitempty"`
	Err              error         `json:"-"`
	Error            string        `json:"error,omitempty"`
	Metrics          *Metrics      `json:"metrics,omitempty"`
	At               time.Time     `json:"at"`
}

// Metrics is built once when a run completes.
type Metrics struct {
	RunID                id.RunID                 `json:"run_id"`
	TotalDuration        time.Duration            `json:"total_duration"`
	CriticalPathDuration time.Duration            `json:"critical_path_duration"`
	PhaseDurations       map[string]time.Duration `json:"phase_durations"`
	FailedPhases         []string                 `json:"failed_phases,omitempty"`
	ServicesResolved     int                      `json:"services_resolved"`
	MemoryUsedBytes      uint64                   `json:"memory_used_bytes"`
	MigrationRan         bool                     `json:"migration_ran"`
	SeedingRan           bool                     `json:"seeding_ran"`
}

// Observer receives per-phase timings and progress, typically for metrics.
type Observer interface {
	PhaseCompleted(phase string, duration time.Duration)
	SetStartupProgress(progress float64)
}

type noopObserver struct{}

func (noopObserver) PhaseCompleted(string, time.Duration) {}
func (noopObserver) SetStartupProgress(float64)           {}

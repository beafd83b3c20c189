package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/id"
)

var (
	ErrProcessorClosed = errors.New("background task processor is closed")
	ErrNilOperation    = errors.New("task operation cannot be nil")
)

// Priority orders queued work. Higher priorities are drained first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const priorityLevels = int(PriorityCritical) + 1

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the priority by name in JSON payloads.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePriority converts a name back into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown task priority %q", s)
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Task describes a unit of queued work. The processor owns it from enqueue
// until it completes, fails or is abandoned at shutdown.
type Task struct {
	ID         id.TaskID `json:"id"`
	Tag        string    `json:"tag"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type job struct {
	Task
	run func(ctx context.Context) error
}

// Outcome labels for finished tasks.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Recorder receives processor metrics.
type Recorder interface {
	TaskEnqueued(tag string, priority Priority)
	TaskFinished(tag string, outcome string, duration time.Duration)
	QueueDepth(queued, inFlight int)
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

func (NoopRecorder) TaskEnqueued(string, Priority)              {}
func (NoopRecorder) TaskFinished(string, string, time.Duration) {}
func (NoopRecorder) QueueDepth(int, int)                        {}

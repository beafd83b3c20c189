package startup

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadyRunning  = errors.New("startup is already running")
	ErrAlreadyComplete = errors.New("startup has already completed")
	ErrInvalidPlan     = errors.New("invalid startup plan")
)

// Phase names used by the host.
const (
	PhaseHostStart         = "HostStart"
	PhaseServiceResolution = "ServiceResolution"
	PhaseThemeInit         = "ThemeInit"
	PhaseInitialPaint      = "InitialPaint"
	PhaseDataLoad          = "DataLoad"
	PhaseStorageInit       = "StorageInit"
	PhaseComplete          = "Complete"
)

// Action is the work done by one phase.
type Action func(ctx context.Context, rec *Recorder) error

// Phase is one step of the startup plan. Background phases run detached after
// the critical ones and cannot fail startup.
type Phase struct {
	Name       string
	Target     float64
	Background bool
	Action     Action
}

// StandardPhases returns the host plan with actions looked up by phase name.
// Phases without an action still advance progress.
func StandardPhases(actions map[string]Action) []Phase {
	return []Phase{
		{Name: PhaseHostStart, Target: 0.1, Action: actions[PhaseHostStart]},
		{Name: PhaseServiceResolution, Target: 0.2, Action: actions[PhaseServiceResolution]},
		{Name: PhaseThemeInit, Target: 0.3, Action: actions[PhaseThemeInit]},
		{Name: PhaseInitialPaint, Target: 0.4, Action: actions[PhaseInitialPaint]},
		{Name: PhaseDataLoad, Target: 0.7, Background: true, Action: actions[PhaseDataLoad]},
		{Name: PhaseStorageInit, Target: 0.9, Background: true, Action: actions[PhaseStorageInit]},
	}
}

// validatePlan checks names are unique, targets strictly increase inside
// (0, 1) and no critical phase follows a background one.
func validatePlan(phases []Phase) error {
	if len(phases) == 0 {
		return fmt.Errorf("%w: no phases", ErrInvalidPlan)
	}

	seen := make(map[string]bool, len(phases))
	last := 0.0
	background := false
	for i, p := range phases {
		switch {
		case p.Name == "" || p.Name == PhaseComplete:
			return fmt.Errorf("%w: phase %d has reserved or empty name %q", ErrInvalidPlan, i, p.Name)
		case seen[p.Name]:
			return fmt.Errorf("%w: duplicate phase %q", ErrInvalidPlan, p.Name)
		case p.Target <= last || p.Target >= 1:
			return fmt.Errorf("%w: phase %q target %.2f must be in (%.2f, 1)", ErrInvalidPlan, p.Name, p.Target, last)
		case background && !p.Background:
			return fmt.Errorf("%w: critical phase %q follows a background phase", ErrInvalidPlan, p.Name)
		}
		seen[p.Name] = true
		last = p.Target
		background = p.Background
	}
	return nil
}

// PhaseError reports the critical phase that aborted startup.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("startup phase %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Recorder collects facts reported by phase actions for the run metrics.
type Recorder struct {
	mu               sync.Mutex
	servicesResolved int
	migrationRan     bool
	seedingRan       bool
}

// ServicesResolved adds n to the resolved services count.
func (r *Recorder) ServicesResolved(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servicesResolved += n
}

// MigrationRan marks that storage migration changed data.
func (r *Recorder) MigrationRan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrationRan = true
}

// SeedingRan marks that sample data was written.
func (r *Recorder) SeedingRan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seedingRan = true
}

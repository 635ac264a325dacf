package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// ServiceState is the lifecycle state of a managed service.
type ServiceState int

const (
	StateStopped ServiceState = iota
	StateRunning
	StatePaused
	StateError
)

func (s ServiceState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Service is a managed long-running worker. Start returns once the
// service is running; the work itself happens on the service's own
// goroutines until Stop.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() error
	State() ServiceState
}

// Lifecycle implements the service state machine for embedding into
// concrete services. Legal transitions: STOPPED -> RUNNING,
// RUNNING <-> PAUSED, RUNNING/PAUSED -> STOPPED, anything -> ERROR.
// ERROR is terminal except through a fresh Start.
type Lifecycle struct {
	mu    sync.Mutex
	state ServiceState
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() ServiceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ToRunning transitions from STOPPED or ERROR (restart) to RUNNING.
func (l *Lifecycle) ToRunning() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped && l.state != StateError {
		return fmt.Errorf("op=service.start: %w: cannot start from %s", domain.ErrIllegalState, l.state)
	}
	l.state = StateRunning
	return nil
}

// ToPaused transitions from RUNNING to PAUSED.
func (l *Lifecycle) ToPaused() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return fmt.Errorf("op=service.pause: %w: cannot pause from %s", domain.ErrIllegalState, l.state)
	}
	l.state = StatePaused
	return nil
}

// ToResumed transitions from PAUSED back to RUNNING.
func (l *Lifecycle) ToResumed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StatePaused {
		return fmt.Errorf("op=service.resume: %w: cannot resume from %s", domain.ErrIllegalState, l.state)
	}
	l.state = StateRunning
	return nil
}

// ToStopped transitions from RUNNING or PAUSED to STOPPED. Stopping an
// already stopped service is a no-op.
func (l *Lifecycle) ToStopped() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateStopped:
		return nil
	case StateRunning, StatePaused:
		l.state = StateStopped
		return nil
	}
	return fmt.Errorf("op=service.stop: %w: cannot stop from %s", domain.ErrIllegalState, l.state)
}

// ToError marks a fatal fault. Allowed from every state.
func (l *Lifecycle) ToError() {
	l.mu.Lock()
	l.state = StateError
	l.mu.Unlock()
}

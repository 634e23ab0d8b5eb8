package statemachine

import (
	"fmt"
	"sync"
	"time"

	"spot-grid-bot/internal/events"
	"spot-grid-bot/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrInvalidTransition is matched by every rejected transition.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError carries the rejected edge.
type InvalidTransitionError struct {
	From models.RunState
	To   models.RunState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

const historyLimit = 100

var transitions = map[models.RunState][]models.RunState{
	models.StateIdle:    {models.StateRunning, models.StateStopped},
	models.StateRunning: {models.StatePaused, models.StateStopped, models.StateError},
	models.StatePaused:  {models.StateRunning, models.StateStopped},
	models.StateError:   {models.StateStopped},
	models.StateStopped: {models.StateIdle},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends the current session.
func IsTerminal(s models.RunState) bool {
	return s == models.StateStopped || s == models.StateError
}

// Transition is one entry of the history.
type Transition struct {
	From   models.RunState
	To     models.RunState
	At     time.Time
	Reason string
}

// Machine owns the bot run state.
type Machine struct {
	mu      sync.Mutex
	state   models.RunState
	history []Transition
	bus     *events.Bus
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a machine in IDLE.
func New(bus *events.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		state:  models.StateIdle,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the current state.
func (m *Machine) State() models.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore sets the state loaded from persistence. It is only valid before the first
// transition and emits no event. A persisted RUNNING comes back as IDLE so that the
// session is started explicitly.
func (m *Machine) Restore(s models.RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == models.StateRunning || s == "" {
		s = models.StateIdle
	}
	m.state = s
}

func (m *Machine) Start(reason string) error  { return m.transition(models.StateRunning, reason, models.StateIdle) }
func (m *Machine) Pause(reason string) error  { return m.transition(models.StatePaused, reason, models.StateRunning) }
func (m *Machine) Resume(reason string) error { return m.transition(models.StateRunning, reason, models.StatePaused) }
func (m *Machine) Fail(reason string) error   { return m.transition(models.StateError, reason) }
func (m *Machine) Stop(reason string) error   { return m.transition(models.StateStopped, reason) }
func (m *Machine) Reset(reason string) error  { return m.transition(models.StateIdle, reason, models.StateStopped) }

// transition moves to `to`. When `from` is given the current state must also be one of them.
func (m *Machine) transition(to models.RunState, reason string, from ...models.RunState) error {
	m.mu.Lock()
	cur := m.state
	allowed := CanTransition(cur, to)
	if allowed && len(from) > 0 {
		allowed = false
		for _, f := range from {
			if f == cur {
				allowed = true
			}
		}
	}
	if !allowed {
		m.mu.Unlock()
		return &InvalidTransitionError{From: cur, To: to}
	}

	at := m.now().UTC()
	m.state = to
	m.history = append(m.history, Transition{From: cur, To: to, At: at, Reason: reason})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	m.logger.Info("bot state changed",
		zap.String("from", string(cur)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	if m.bus != nil {
		m.bus.Emit(events.StateChanged, events.StateChangedData{From: cur, To: to, Timestamp: at, Reason: reason})
	}
	return nil
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Package status tracks the sync cycle's state machine and the daemon's
// aggregate status report.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/covehq/cove/internal/bus"
)

// State represents a sync cycle phase.
type State string

const (
	Idle      State = "IDLE"
	Pulling   State = "PULLING"
	Resolving State = "RESOLVING"
	Pushing   State = "PUSHING"
	Failed    State = "FAILED"
)

// validTransitions defines allowed phase transitions. A cycle runs
// Idle -> Pulling -> Resolving -> Pushing -> Idle; any phase may fail,
// and Failed returns to Idle so the next trigger can start fresh.
var validTransitions = map[State][]State{
	Idle:      {Pulling},
	Pulling:   {Resolving, Failed},
	Resolving: {Pushing, Failed},
	Pushing:   {Idle, Failed},
	Failed:    {Idle},
}

// Machine tracks and enforces sync cycle phase transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus

	lastCycleStart int64
	lastCycleEnd   int64
	lastError      string
}

// NewMachine creates a new state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current phase.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new phase. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to

	now := time.Now()
	switch to {
	case Pulling:
		m.lastCycleStart = now.UnixMilli()
		m.lastError = ""
	case Idle:
		m.lastCycleEnd = now.UnixMilli()
	}

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "sync.state_changed",
			Timestamp: now,
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Fail records the error and moves to Failed. Invalid from Idle.
func (m *Machine) Fail(err error) error {
	m.mu.Lock()
	if err != nil {
		m.lastError = err.Error()
	}
	m.mu.Unlock()
	return m.Transition(Failed)
}

// LastCycle reports the start and end (unix millis) of the most recent
// cycle and the last recorded failure, empty if the cycle succeeded.
func (m *Machine) LastCycle() (start, end int64, lastError string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCycleStart, m.lastCycleEnd, m.lastError
}

// StateChange is the payload for sync.state_changed events.
type StateChange struct {
	From State
	To   State
}

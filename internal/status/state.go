package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the lifecycle state of one open conversation.
type State string

const (
	Closed  State = "CLOSED"
	Loading State = "LOADING"
	Live    State = "LIVE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Closed:  {Loading},
	Loading: {Live, Closed},
	Live:    {Closed},
}

// Machine tracks and enforces conversation state transitions.
type Machine struct {
	mu             sync.RWMutex
	current        State
	conversationID string
	handle         string
	bus            *bus.Bus
}

// NewMachine creates a machine in the Closed state. b may be nil.
func NewMachine(conversationID, handle string, b *bus.Bus) *Machine {
	return &Machine{
		current:        Closed,
		conversationID: conversationID,
		handle:         handle,
		bus:            b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in state s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				ConversationID: m.conversationID,
				Handle:         m.handle,
				From:           from,
				To:             to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	ConversationID string
	Handle         string
	From           State
	To             State
}

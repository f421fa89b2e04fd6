package conn

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the canonical connection state shared by every transport.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateWSConnected      State = "ws_connected"
	StateConnected        State = "connected"
	StateICEDisconnected  State = "ice_disconnected"
	StateICEFailed        State = "ice_failed"
	StateConnectionFailed State = "connection_failed"
	StateError            State = "error"
)

// transitions is the allowed-transition table. Anything not listed is
// rejected; failure states re-enter disconnected only through an explicit
// re-initialization (Machine.Reset).
var transitions = map[State][]State{
	StateDisconnected:     {StateConnecting},
	StateConnecting:       {StateWSConnected, StateConnected, StateConnectionFailed, StateError, StateDisconnected},
	StateWSConnected:      {StateConnected, StateConnectionFailed, StateError, StateDisconnected},
	StateConnected:        {StateICEDisconnected, StateICEFailed, StateConnectionFailed, StateError, StateDisconnected},
	StateICEDisconnected:  {StateConnected, StateICEFailed, StateDisconnected},
	StateICEFailed:        {},
	StateConnectionFailed: {},
	StateError:            {},
}

// Machine holds the single active state of one transport instance.
// The observer is invoked exactly once per actual change.
type Machine struct {
	mu       sync.Mutex
	state    State
	observer func(State)
}

func NewMachine(observer func(State)) *Machine {
	return &Machine{state: StateDisconnected, observer: observer}
}

// Set applies a transition. Invalid transitions are no-ops logged as
// warnings; the return value reports whether the state changed.
func (m *Machine) Set(next State) bool {
	m.mu.Lock()
	if next == m.state {
		m.mu.Unlock()
		return false
	}
	if !allowed(m.state, next) {
		log.Warn().
			Str("module", "conn").
			Str("from", string(m.state)).
			Str("to", string(next)).
			Msg("invalid state transition ignored")
		m.mu.Unlock()
		return false
	}
	m.state = next
	obs := m.observer
	m.mu.Unlock()
	if obs != nil {
		obs(next)
	}
	return true
}

// Reset forces the machine back to disconnected. Only initialize/cleanup
// paths call this; it is the one way out of a failure state.
func (m *Machine) Reset() {
	m.mu.Lock()
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	obs := m.observer
	m.mu.Unlock()
	if changed && obs != nil {
		obs(StateDisconnected)
	}
}

func (m *Machine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) IsConnected() bool { return m.Get() == StateConnected }

func (m *Machine) IsDisconnected() bool { return m.Get() == StateDisconnected }

// IsErrorish reports whether the state is one of the terminal failure
// states. They render the same in a UI but trigger distinct recovery.
func (m *Machine) IsErrorish() bool {
	switch m.Get() {
	case StateError, StateICEFailed, StateConnectionFailed:
		return true
	}
	return false
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

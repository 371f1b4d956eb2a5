// Package provisioning implements the authoritative provisioning state
// machine (spec.md §3 ProvisioningState, §4.9 C9): the state enum, the
// guarded transition table, and a bounded ring buffer of transition
// history for test inspection.
package provisioning

import (
	"fmt"
	"sync"
	"time"
)

// State is the tagged provisioning state. Exactly one value is live
// per process.
type State int

const (
	Initializing State = iota
	OwnerSetup
	Ready
	Provisioning
	Connecting
	Connected
	ErrorState
	FactoryReset
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case OwnerSetup:
		return "OwnerSetup"
	case Ready:
		return "Ready"
	case Provisioning:
		return "Provisioning"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case ErrorState:
		return "Error"
	case FactoryReset:
		return "FactoryReset"
	default:
		return "Unknown"
	}
}

// StatusCode is the 1-byte wire code for C_STATUS (spec.md §6.1).
func (s State) StatusCode() byte {
	switch s {
	case Initializing:
		return 0
	case OwnerSetup:
		return 1
	case Provisioning:
		return 2
	case Connecting:
		return 3
	case Connected:
		return 4
	case ErrorState:
		return 5
	case FactoryReset:
		return 6
	default:
		return 5
	}
}

// Event is an input to the state machine. Kind selects the transition
// row; Data carries event-specific payload (e.g. a ConnectFailed kind,
// or CredentialsReceived's decoded message).
type Event struct {
	Kind string
	Data any
}

// Event kinds named in the spec.md §4.9 transition table.
const (
	EventInitComplete         = "InitComplete"
	EventOwnerRegistered      = "OwnerRegistered"
	EventSetupTimeout         = "SetupTimeout"
	EventCredentialsReceived  = "CredentialsReceived"
	EventConnected            = "Connected"
	EventConnectFailed        = "ConnectFailed"
	EventNetworkLost          = "NetworkLost"
	EventReprovisionRequested = "ReprovisionRequested"
	EventResetRequested       = "ResetRequested"
	EventFatalError           = "FatalError"
	EventFactoryResetComplete = "FactoryResetComplete"
)

// Guard context passed to guard functions; populated by the
// orchestrator before Apply is invoked.
type Guard struct {
	OwnerRequired       bool
	OwnerPresent        bool
	WifiProfilePresent  bool
	CredentialsValid    bool
	PINOk               bool
	ConnectFailureKind  string // "user_correctable" | "transient"
	ResetConfirmed      bool
	ErrorKind           string
}

// Transition records one executed transition for the history ring
// buffer and for tests.
type Transition struct {
	From      State
	Event     string
	To        State
	Timestamp time.Time
}

const historySize = 256

// Machine is the authoritative provisioning state holder. All
// state-mutating calls go through Apply, invoked only from the
// orchestrator's single state-machine goroutine.
type Machine struct {
	mu      sync.RWMutex
	current State
	history []Transition
}

// NewMachine creates a Machine starting in Initializing.
func NewMachine() *Machine {
	return &Machine{current: Initializing}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// History returns a copy of the transition ring buffer, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// ErrNoTransition is returned by Apply when the event is ignored in
// the current state (not an error condition; the caller should treat
// it as a no-op).
type ErrNoTransition struct {
	From  State
	Event string
}

func (e *ErrNoTransition) Error() string {
	return fmt.Sprintf("provisioning: no transition for event %q in state %s", e.Event, e.From)
}

// Apply evaluates ev against the current state using the transition
// table in transitions.go, mutates state on a match, and appends to
// the bounded history. It returns the resulting state and, when the
// event was ignored, ErrNoTransition.
func (m *Machine) Apply(ev Event, g Guard) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := match(m.current, ev, g)
	if !ok {
		return m.current, &ErrNoTransition{From: m.current, Event: ev.Kind}
	}

	from := m.current
	m.current = row.To
	m.appendHistory(Transition{From: from, Event: ev.Kind, To: row.To, Timestamp: nowFunc()})
	return m.current, nil
}

func (m *Machine) appendHistory(t Transition) {
	m.history = append(m.history, t)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

package trainer

// State is the session lifecycle position of a Client.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateHandshaking
	StateSessionActive
	StateBatching
	StateDispatching
	StateApplying
	StateSessionEnding
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateConnecting:    "connecting",
	StateHandshaking:   "handshaking",
	StateSessionActive: "session_active",
	StateBatching:      "batching",
	StateDispatching:   "dispatching",
	StateApplying:      "applying",
	StateSessionEnding: "session_ending",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether the session accepts observations.
func (s State) Active() bool {
	switch s {
	case StateSessionActive, StateBatching, StateDispatching, StateApplying:
		return true
	}
	return false
}

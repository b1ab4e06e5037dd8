package realtime

// State is the connection state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

// States lists every state in declaration order.
var States = []State{StateIdle, StateConnecting, StateOpen, StateClosed, StateError}

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange is delivered to OnStateChange listeners.
type StateChange struct {
	From State
	To   State
}

package pool

// ConnectionState represents the lifecycle state of a pooled connection
type ConnectionState int32

const (
	// StateIdle means the connection can accept a query
	StateIdle ConnectionState = iota
	// StateBusy means a query is in flight
	StateBusy
	// StateClosing means the underlying session is being torn down
	StateClosing
	// StateClosed is terminal
	StateClosed
	// StateError means the connection was condemned and must be reset or evicted
	StateError
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON and logs
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal returns true if the state cannot be left
func (s ConnectionState) IsTerminal() bool {
	return s == StateClosed
}

// CanTransitionTo checks if a transition to the target state is valid
func (s ConnectionState) CanTransitionTo(target ConnectionState) bool {
	switch s {
	case StateIdle:
		return target == StateBusy || target == StateError || target == StateClosing
	case StateBusy:
		return target == StateIdle || target == StateError || target == StateClosing
	case StateError:
		return target == StateIdle || target == StateClosing
	case StateClosing:
		return target == StateClosed
	case StateClosed:
		return false
	default:
		return false
	}
}

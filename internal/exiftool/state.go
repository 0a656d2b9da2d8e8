package exiftool

// State is the lifecycle state of a Session.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateFailed // communication broke; only Stop is meaningful
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// States lists every state, in lifecycle order.
func States() []State {
	return []State{StateUnstarted, StateRunning, StateFailed, StateStopped}
}

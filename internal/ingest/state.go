package ingest

// State is the listener lifecycle: Idle until Run starts, Running while the
// loop is active, Stopped once it returns. There is no way back to Idle.
type State int32

// Listener states.
const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

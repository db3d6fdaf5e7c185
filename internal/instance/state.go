package instance

// State is the narrow lifecycle surface exposed to the orchestrator.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

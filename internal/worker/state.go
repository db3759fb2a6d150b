package worker

// State is the worker lifecycle state. Transitions happen only inside Worker
// under its mutex; every change is published on the state broker.
type State int

const (
	// StateNew is the initial state; only Setup is accepted.
	StateNew State = iota
	// StateSettingUp means the child is starting and running predictor setup.
	StateSettingUp
	// StateSetupFailed is the fatal terminal state for any setup failure.
	StateSetupFailed
	// StateReady means setup completed and the worker can accept a prediction.
	StateReady
	// StatePredicting means exactly one prediction is in flight.
	StatePredicting
	// StateShuttingDown means no new predictions are accepted and the child
	// has been asked to exit once idle.
	StateShuttingDown
	// StateDefunct is the fatal terminal state for a child that crashed or
	// exited unexpectedly outside of setup.
	StateDefunct
	// StateTerminated means the child has been killed and resources released.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSettingUp:
		return "SETTING_UP"
	case StateSetupFailed:
		return "SETUP_FAILED"
	case StateReady:
		return "READY"
	case StatePredicting:
		return "PREDICTING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateDefunct:
		return "DEFUNCT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further setup or predict call can ever
// succeed from this state. Terminate remains valid from every state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSetupFailed, StateDefunct, StateTerminated:
		return true
	default:
		return false
	}
}

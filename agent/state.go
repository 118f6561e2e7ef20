package agent

// State is a step of the agent loop's state machine.
type State string

const (
	StateStart     State = "START"
	StateThinking  State = "THINKING"
	StateToolCall  State = "TOOL_CALL"
	StateObserving State = "OBSERVING"
	StateFinal     State = "FINAL"
	StateDone      State = "DONE"
	StateMaxIter   State = "MAX_ITER"
	StateTimeout   State = "TIMEOUT"
)

// StopReason tells why a run finished.
type StopReason string

const (
	StopFinal         StopReason = "final"
	StopMaxIterations StopReason = "max_iterations"
	StopTimeout       StopReason = "timeout"
)

// Err returns the error recorded in Result.Err for a guard stop.
func (r StopReason) Err() error {
	switch r {
	case StopMaxIterations:
		return ErrIterationLimit
	case StopTimeout:
		return ErrExecutionTimeout
	default:
		return nil
	}
}

func (r StopReason) state() State {
	switch r {
	case StopMaxIterations:
		return StateMaxIter
	case StopTimeout:
		return StateTimeout
	default:
		return StateFinal
	}
}

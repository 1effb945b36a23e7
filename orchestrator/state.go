package orchestrator

import "fmt"

// State is a phase of one execution.
type State int

const (
	Idle State = iota
	SnapshotRestoring
	Booted
	Dispatching
	Running
	Collecting
	Hung
	InfrastructureFailure
)

var stateNames = [...]string{
	Idle:                  "Idle",
	SnapshotRestoring:     "SnapshotRestoring",
	Booted:                "Booted",
	Dispatching:           "Dispatching",
	Running:               "Running",
	Collecting:            "Collecting",
	Hung:                  "Hung",
	InfrastructureFailure: "InfrastructureFailure",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome classifies a finished execution.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeTimeout
	OutcomeHung
	// OutcomeInfraFailure marks results that must not influence scheduling.
	OutcomeInfraFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeHung:
		return "hung"
	case OutcomeInfraFailure:
		return "infrastructure_failure"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// InfraError is returned by Execute once retries are exhausted.
type InfraError struct {
	State    State
	Attempts int
	Err      error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("orchestrator: infrastructure failure in %s after %d attempts: %v", e.State, e.Attempts, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// stepError is a failure of one state of an attempt.
type stepError struct {
	state State
	err   error
}

func (e *stepError) Error() string { return fmt.Sprintf("%s: %v", e.state, e.err) }

func (e *stepError) Unwrap() error { return e.err }

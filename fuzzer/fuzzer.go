// Package fuzzer drives the coverage-guided differential loop.
package fuzzer

import (
	"context"

	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/tracer"
	"alma.local/fsfuzz/workload"
)

// Fuzzer executes one workload on all targets and reports what was observed.
type Fuzzer interface {
	// Execute returns an error only when the environment could not be
	// brought back after retries or ctx was cancelled.
	Execute(ctx context.Context, w workload.Workload) (*Report, error)

	Close() error
}

// Report is the feedback of one execution.
type Report struct {
	Execution *orchestrator.Execution
	Result    *tracer.ExecutionResult
	// Verdict is nil when the run did not complete or comparison is off.
	Verdict *oracle.Verdict
	// Panicked is set when the guest kernel reported a panic.
	Panicked bool
}

// Dimensions lists what the execution diverged on, panic included.
func (r *Report) Dimensions() []oracle.Dimension {
	var dims []oracle.Dimension
	if r.Panicked {
		dims = append(dims, oracle.Panic)
	}
	if r.Verdict != nil {
		dims = append(dims, r.Verdict.Dimensions()...)
	}
	return dims
}

// Diverges reports whether dim is among the diverging dimensions.
func (r *Report) Diverges(dim oracle.Dimension) bool {
	for _, d := range r.Dimensions() {
		if d == dim {
			return true
		}
	}
	return false
}

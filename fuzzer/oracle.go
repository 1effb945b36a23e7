package fuzzer

import (
	"context"

	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/remote"
	"alma.local/fsfuzz/tracer"
)

// StateOracle compares the states the targets were left in.
type StateOracle interface {
	Check(ctx context.Context, insp remote.Commander, res *tracer.ExecutionResult) (oracle.Verdict, error)
}

// traceOracle compares only the traces; used when the hasher is disabled.
type traceOracle struct{}

func (traceOracle) Check(_ context.Context, _ remote.Commander, res *tracer.ExecutionResult) (oracle.Verdict, error) {
	targets := make([]oracle.Target, len(res.Targets))
	for i, t := range res.Targets {
		targets[i] = oracle.Target{FS: t.FS, Trace: t.Trace}
	}
	return oracle.Compare(oracle.Options{Trace: true}, targets), nil
}

// TraceOracle returns a StateOracle that compares traces only.
func TraceOracle() StateOracle { return traceOracle{} }

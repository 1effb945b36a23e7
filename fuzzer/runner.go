package fuzzer

import (
	"context"

	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/tracer"
	"alma.local/fsfuzz/workload"
)

// Runner is the Fuzzer backed by an orchestrator.
type Runner struct {
	orch   *orchestrator.Orchestrator
	oracle StateOracle
	log    *logrus.Entry
}

// NewRunner returns a runner; a nil oracle disables comparison.
func NewRunner(orch *orchestrator.Orchestrator, o StateOracle, log *logrus.Entry) *Runner {
	return &Runner{orch: orch, oracle: o, log: log.WithField("component", "runner")}
}

func (r *Runner) Execute(ctx context.Context, w workload.Workload) (*Report, error) {
	exec, err := r.orch.Execute(ctx, w)
	if err != nil {
		return nil, err
	}
	res, err := tracer.Ingest(exec)
	if err != nil {
		r.log.WithError(err).Warn("unreadable executor output, treating as infrastructure failure")
	}
	rep := &Report{Execution: exec, Result: res, Panicked: exec.Panicked}
	if res.Outcome != orchestrator.OutcomeCompleted || r.oracle == nil {
		return rep, nil
	}
	v, err := r.oracle.Check(ctx, exec.Inspector(), res)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.WithError(err).Warn("state comparison failed")
		return rep, nil
	}
	rep.Verdict = &v
	return rep, nil
}

func (r *Runner) Close() error { return r.orch.Close() }

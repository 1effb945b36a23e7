package fuzzer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/workload"
)

// ErrNotReproducible is returned by Reduce when the input does not diverge.
var ErrNotReproducible = errors.New("fuzzer: divergence does not reproduce")

// Reduction is the outcome of Reduce.
type Reduction struct {
	Workload  workload.Workload
	Dimension oracle.Dimension
	// Report is the last execution of Workload.
	Report *Report
	// Executions counts every attempted candidate, including the first run.
	Executions int
}

// Reduce drops operations from the tail towards the head, each with its
// dependants, keeping a removal whenever dim still diverges. An empty dim
// selects the first dimension the input diverges on.
func Reduce(ctx context.Context, f Fuzzer, w workload.Workload, dim oracle.Dimension, log *logrus.Entry) (*Reduction, error) {
	rep, err := f.Execute(ctx, w)
	if err != nil {
		return nil, err
	}
	red := &Reduction{Workload: w, Report: rep, Executions: 1}
	if dim == "" {
		dims := rep.Dimensions()
		if len(dims) == 0 {
			return nil, ErrNotReproducible
		}
		dim = dims[0]
	}
	if !rep.Diverges(dim) {
		return nil, errors.Wrapf(ErrNotReproducible, "dimension %s", dim)
	}
	red.Dimension = dim
	log = log.WithFields(logrus.Fields{"component": "reducer", "dimension": dim})

	for i := w.Len() - 1; i >= 0; i-- {
		if i >= red.Workload.Len() {
			continue
		}
		cand := workload.RemoveAt(red.Workload, i)
		if cand.Len() == 0 {
			continue
		}
		rep, err := f.Execute(ctx, cand)
		if err != nil {
			return nil, err
		}
		red.Executions++
		if !rep.Diverges(dim) {
			continue
		}
		red.Workload, red.Report = cand, rep
		log.WithField("length", cand.Len()).Info("workload reduced")
	}
	return red, nil
}

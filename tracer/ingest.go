package tracer

import (
	"bytes"

	"github.com/pkg/errors"

	"alma.local/fsfuzz/feedback"
	"alma.local/fsfuzz/orchestrator"
)

// ErrSetupFailure marks executor runs that could not initialize.
var ErrSetupFailure = errors.New("tracer: executor setup failure")

// setupMarkers are diagnostics the executor prints to stderr when it fails
// before running the workload.
var setupMarkers = []string{
	"failed to setup trace mode (ioctl)",
	"failed to mmap coverage buffer",
	"failed to enable coverage collection (ioctl)",
	"when opening trace dump file",
	"[USAGE]",
}

// SetupFailure reports whether out shows an executor that failed to set up
// kcov or its trace, or left no trace at all.
func SetupFailure(out orchestrator.TargetOutput) error {
	for _, m := range setupMarkers {
		if bytes.Contains(out.Stderr, []byte(m)) {
			return errors.Wrap(ErrSetupFailure, m)
		}
	}
	if i := bytes.Index(out.Trace, []byte(SetupFailureSentinel)); i >= 0 {
		msg := out.Trace[i+len(SetupFailureSentinel):]
		if j := bytes.IndexByte(msg, '\n'); j >= 0 {
			msg = msg[:j]
		}
		return errors.Wrap(ErrSetupFailure, string(bytes.TrimSpace(msg)))
	}
	if out.TraceMissing {
		return errors.Wrap(ErrSetupFailure, "no trace produced")
	}
	return nil
}

// TargetResult is the ingested output of one target filesystem.
type TargetResult struct {
	FS        string
	Workspace string
	Trace     Trace
	// RawTrace is the unparsed trace.csv, kept for findings.
	RawTrace  []byte
	Signature feedback.Signature
	Runtime   feedback.RuntimeSignature
	// SetupErr is set when the executor failed to initialize on this target.
	SetupErr error
}

// ExecutionResult is what the scheduler learns from one execution.
type ExecutionResult struct {
	Outcome orchestrator.Outcome
	Targets []TargetResult
	// Signature is the union of the targets' coverage.
	Signature feedback.Signature
}

// Ingest parses every target output of exec. A completed run whose targets
// report a setup failure or an unreadable trace is reclassified as an
// infrastructure failure. Outputs of timed out runs are parsed on a best
// effort basis.
func Ingest(exec *orchestrator.Execution) (*ExecutionResult, error) {
	res := &ExecutionResult{Outcome: exec.Outcome, Signature: make(feedback.Signature)}
	if exec.Outcome == orchestrator.OutcomeHung || exec.Outcome == orchestrator.OutcomeInfraFailure {
		return res, nil
	}
	var firstErr error
	for _, out := range exec.Outputs {
		tr := TargetResult{FS: out.FS, Workspace: out.Workspace, RawTrace: out.Trace, Runtime: feedback.NewRuntimeSignature()}
		tr.SetupErr = SetupFailure(out)
		if !out.TraceMissing {
			parsed, err := ParseTrace(out.Trace)
			if err != nil && firstErr == nil && exec.Outcome == orchestrator.OutcomeCompleted {
				firstErr = errors.Wrapf(err, "target %s", out.FS)
			}
			tr.Trace = parsed
		}
		var pcs []uint64
		if out.CoverageFormat == orchestrator.CoverageRaw {
			pcs = ParseCoverageRaw(out.Coverage)
		} else {
			pcs = ParseCoverageText(out.Coverage)
		}
		tr.Signature = feedback.NewSignature(pcs...)
		res.Signature.Merge(tr.Signature)
		for _, row := range tr.Trace.Rows {
			if row.Failed() {
				tr.Runtime.Failed++
				tr.Runtime.Errnos[row.ErrnoName()]++
			} else {
				tr.Runtime.Succeeded++
			}
		}
		if tr.SetupErr != nil && exec.Outcome == orchestrator.OutcomeCompleted {
			res.Outcome = orchestrator.OutcomeInfraFailure
		}
		res.Targets = append(res.Targets, tr)
	}
	if firstErr != nil {
		res.Outcome = orchestrator.OutcomeInfraFailure
		return res, firstErr
	}
	return res, nil
}

// Target returns the result for fs, nil if absent.
func (r *ExecutionResult) Target(fs string) *TargetResult {
	for i := range r.Targets {
		if r.Targets[i].FS == fs {
			return &r.Targets[i]
		}
	}
	return nil
}

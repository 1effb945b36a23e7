package fuzzer

import (
	"context"
	"sync"
	"time"

	"alma.local/fsfuzz/feedback"
	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/tracer"
	"alma.local/fsfuzz/workload"
)

// mockFuzzer reports one coverage address per distinct (position, kind)
// pair of the workload, so longer and more varied workloads look novel.
type mockFuzzer struct {
	mu    sync.Mutex
	calls int
	// diverge returns the dimensions w diverges on.
	diverge func(w workload.Workload) []oracle.Dimension
	// panics makes every run report a kernel panic.
	panics bool
	// err is returned by every Execute.
	err error
	// after is called with the call count once the report is built.
	after func(n int)
}

func (m *mockFuzzer) Execute(ctx context.Context, w workload.Workload) (*Report, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}

	outcome := orchestrator.OutcomeCompleted
	if m.panics {
		outcome = orchestrator.OutcomeHung
	}
	sig := feedback.NewSignature()
	if !m.panics {
		for i, op := range w.Ops {
			sig[uint64(i)<<8|uint64(kindIndex(op.Kind))] = struct{}{}
		}
	}
	rep := &Report{
		Execution: &orchestrator.Execution{Workload: w, Outcome: outcome, Duration: time.Millisecond, Panicked: m.panics},
		Result: &tracer.ExecutionResult{
			Outcome:   outcome,
			Signature: sig,
			Targets: []tracer.TargetResult{
				{FS: "ext4", RawTrace: []byte(tracer.TraceHeader + "\n"), Runtime: feedback.NewRuntimeSignature()},
				{FS: "btrfs", RawTrace: []byte(tracer.TraceHeader + "\n"), Runtime: feedback.NewRuntimeSignature()},
			},
		},
		Panicked: m.panics,
	}
	if outcome == orchestrator.OutcomeCompleted {
		v := oracle.Verdict{Equal: true}
		if m.diverge != nil {
			for _, d := range m.diverge(w) {
				v.Diffs = append(v.Diffs, oracle.Diff{Dimension: d, Path: "1", Left: "ext4", Right: "btrfs"})
			}
		}
		v.Equal = len(v.Diffs) == 0
		rep.Verdict = &v
	}
	if m.after != nil {
		m.after(n)
	}
	return rep, nil
}

func (m *mockFuzzer) Close() error { return nil }

func (m *mockFuzzer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func kindIndex(k workload.Kind) int {
	for i, known := range workload.AllKinds {
		if known == k {
			return i
		}
	}
	return -1
}

func hasKind(w workload.Workload, k workload.Kind) bool {
	for _, op := range w.Ops {
		if op.Kind == k {
			return true
		}
	}
	return false
}

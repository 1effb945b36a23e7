// Package orchestrator drives one workload at a time through snapshot
// restore, dispatch, execution and collection on an Environment.
package orchestrator

import (
	"context"

	"alma.local/fsfuzz/remote"
)

// CoverageFormat tells how a coverage dump is encoded.
type CoverageFormat int

const (
	// CoverageText is one 0x-prefixed address per line (executor stdout).
	CoverageText CoverageFormat = iota
	// CoverageRaw is the kcov buffer: little-endian words, count first.
	CoverageRaw
)

// TargetOutput is the raw result of running the executor on one target.
type TargetOutput struct {
	FS        string
	Workspace string
	Trace     []byte
	// TraceMissing is set when no trace.csv was produced.
	TraceMissing   bool
	Coverage       []byte
	CoverageFormat CoverageFormat
	Stdout         []byte
	Stderr         []byte
}

// RunStatus is the final status of a run.
type RunStatus struct {
	// TimedOut is set when the guest-side timeout wrapper stopped the executor.
	TimedOut bool
	Err      error
}

// Run is an executing workload.
type Run interface {
	// Progress is a counter that changes while the executor makes progress.
	Progress() uint64
	Done() <-chan RunStatus
	Kill()
}

// Environment is the machine workloads run on, usually a VM snapshot.
type Environment interface {
	Restore(ctx context.Context) error
	// Ready checks the guest is reachable and provisions fresh targets.
	Ready(ctx context.Context) error
	Dispatch(ctx context.Context, program []byte) error
	Run(ctx context.Context) (Run, error)
	Collect(ctx context.Context) ([]TargetOutput, error)
	// Panicked reports a guest panic event since the last restore.
	Panicked() (bool, error)
	// Recreate tears the environment down and brings up a new one.
	Recreate(ctx context.Context) error
	// Inspector gives access to the guest state after a run.
	Inspector() remote.Commander
	Close() error
}

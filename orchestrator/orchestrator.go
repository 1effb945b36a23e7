package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/encoding"
	"alma.local/fsfuzz/remote"
	"alma.local/fsfuzz/workload"
)

// Options configure an Orchestrator.
type Options struct {
	// Heartbeat is the progress polling period.
	Heartbeat time.Duration
	// Timeout is the executor time limit, enforced guest-side.
	Timeout time.Duration
	// HangAfter is how long a run may make no progress before it is
	// declared hung. Defaults to Timeout plus two heartbeats.
	HangAfter time.Duration
	// BootWait bounds snapshot restoration.
	BootWait time.Duration
	// MaxRetries is the number of extra attempts after an infrastructure
	// failure.
	MaxRetries int
	// CheckOutput reports an executor setup failure in collected output.
	CheckOutput func(TargetOutput) error
	// OnRetry is called before every retry.
	OnRetry func(state State, err error)
}

// Execution is the record of one dispatched workload.
type Execution struct {
	Workload    workload.Workload
	Program     []byte
	Outcome     Outcome
	Outputs     []TargetOutput
	Transitions []State
	Attempts    int
	// Panicked is set when the guest reported a panic while running.
	Panicked bool
	Duration time.Duration

	inspector remote.Commander
}

// Inspector gives access to the guest after the run. It is valid until the
// next Execute on the same orchestrator.
func (e *Execution) Inspector() remote.Commander { return e.inspector }

// Orchestrator runs one workload at a time on its Environment.
type Orchestrator struct {
	mu   sync.Mutex
	env  Environment
	opts Options
	log  *logrus.Entry
}

// New returns an orchestrator owning env.
func New(env Environment, opts Options, log *logrus.Entry) *Orchestrator {
	if opts.HangAfter <= 0 {
		opts.HangAfter = opts.Timeout + 2*opts.Heartbeat
	}
	return &Orchestrator{env: env, opts: opts, log: log.WithField("component", "orchestrator")}
}

// Environment returns the environment driven by o.
func (o *Orchestrator) Environment() Environment { return o.env }

// Close releases the environment.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.env.Close()
}

// Execute runs w to completion. Infrastructure failures are retried on a
// recreated environment; when retries are exhausted an *InfraError is
// returned. Hung runs are returned with OutcomeHung after the environment
// has been recreated.
func (o *Orchestrator) Execute(ctx context.Context, w workload.Workload) (*Execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	program, err := encoding.EncodeC(w)
	if err != nil {
		return nil, err
	}
	var last *stepError
	exec := &Execution{Workload: w, Program: program}
	start := time.Now()
	for attempt := 1; attempt <= o.opts.MaxRetries+1; attempt++ {
		exec.Attempts = attempt
		exec.Transitions = append(exec.Transitions, Idle)
		err := o.attempt(ctx, exec)
		exec.Duration = time.Since(start)
		if err == nil {
			return exec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.As(err, &last) {
			last = &stepError{state: Idle, err: err}
		}
		exec.Transitions = append(exec.Transitions, InfrastructureFailure)
		o.log.WithError(err).WithField("attempt", attempt).Warn("infrastructure failure, recreating environment")
		if attempt <= o.opts.MaxRetries && o.opts.OnRetry != nil {
			o.opts.OnRetry(last.state, last.err)
		}
		if rerr := o.env.Recreate(ctx); rerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.log.WithError(rerr).Warn("failed to recreate environment")
		}
	}
	return nil, &InfraError{State: last.state, Attempts: o.opts.MaxRetries + 1, Err: last.err}
}

func (o *Orchestrator) enter(exec *Execution, s State) {
	exec.Transitions = append(exec.Transitions, s)
	o.log.WithField("state", s).Debug("transition")
}

func (o *Orchestrator) attempt(ctx context.Context, exec *Execution) error {
	o.enter(exec, SnapshotRestoring)
	rctx, cancel := context.WithTimeout(ctx, o.bootWait())
	err := o.env.Restore(rctx)
	cancel()
	if err != nil {
		return &stepError{state: SnapshotRestoring, err: err}
	}

	o.enter(exec, Booted)
	if err := o.env.Ready(ctx); err != nil {
		return &stepError{state: Booted, err: err}
	}

	o.enter(exec, Dispatching)
	if err := o.env.Dispatch(ctx, exec.Program); err != nil {
		return &stepError{state: Dispatching, err: err}
	}

	o.enter(exec, Running)
	run, err := o.env.Run(ctx)
	if err != nil {
		return &stepError{state: Running, err: err}
	}
	status, hung := o.watch(ctx, exec, run)
	if hung {
		o.enter(exec, Hung)
		exec.Outcome = OutcomeHung
		if err := o.env.Recreate(ctx); err != nil {
			o.log.WithError(err).Warn("failed to recreate environment after hang")
		}
		o.enter(exec, Idle)
		return nil
	}
	if status.Err != nil {
		return &stepError{state: Running, err: status.Err}
	}
	exec.Outcome = OutcomeCompleted
	if status.TimedOut {
		exec.Outcome = OutcomeTimeout
	}

	o.enter(exec, Collecting)
	outputs, err := o.env.Collect(ctx)
	if err != nil {
		return &stepError{state: Collecting, err: err}
	}
	if exec.Outcome == OutcomeCompleted && o.opts.CheckOutput != nil {
		for _, out := range outputs {
			if err := o.opts.CheckOutput(out); err != nil {
				return &stepError{state: Collecting, err: errors.Wrapf(err, "target %s", out.FS)}
			}
		}
	}
	exec.Outputs = outputs
	exec.inspector = o.env.Inspector()
	o.enter(exec, Idle)
	return nil
}

func (o *Orchestrator) bootWait() time.Duration {
	if o.opts.BootWait > 0 {
		return o.opts.BootWait
	}
	return time.Minute
}

// watch waits for run to finish, reporting true when it stopped making
// progress or the guest panicked.
func (o *Orchestrator) watch(ctx context.Context, exec *Execution, run Run) (RunStatus, bool) {
	heartbeat := o.opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	last := run.Progress()
	lastChange := time.Now()
	for {
		select {
		case st := <-run.Done():
			return st, false
		case <-ctx.Done():
			run.Kill()
			<-run.Done()
			return RunStatus{Err: ctx.Err()}, false
		case now := <-ticker.C:
			panicked, err := o.env.Panicked()
			if err != nil {
				o.log.WithError(err).Debug("panic event check failed")
			}
			if panicked {
				o.log.Warn("guest panic event")
				exec.Panicked = true
				run.Kill()
				<-run.Done()
				return RunStatus{}, true
			}
			if p := run.Progress(); p != last {
				last, lastChange = p, now
				continue
			}
			if now.Sub(lastChange) > o.opts.HangAfter {
				o.log.WithField("idle", now.Sub(lastChange)).Warn("heartbeat lost")
				run.Kill()
				<-run.Done()
				return RunStatus{}, true
			}
		}
	}
}

// Package orchestratortest provides in-memory environments for tests.
package orchestratortest

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/remote"
)

// Commander is an in-memory remote.Commander.
type Commander struct {
	mu    sync.Mutex
	files map[string][]byte
	// Handler answers Run. When nil every command exits 0 without output.
	Handler  func(c *Commander, cmd remote.Command) (remote.Result, error)
	commands []remote.Command
}

// NewCommander returns an empty commander.
func NewCommander() *Commander {
	return &Commander{files: make(map[string][]byte)}
}

// SetFile stores a file.
func (c *Commander) SetFile(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = append([]byte(nil), data...)
}

// Commands returns every command run so far.
func (c *Commander) Commands() []remote.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]remote.Command(nil), c.commands...)
}

func (c *Commander) MkdirAll(context.Context, string) error { return nil }

func (c *Commander) RemoveAll(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
	return nil
}

func (c *Commander) WriteFile(_ context.Context, path string, data []byte) error {
	c.SetFile(path, data)
	return nil
}

func (c *Commander) ReadFile(_ context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.files[path]
	if !ok {
		return nil, errors.Wrapf(os.ErrNotExist, "read %s", path)
	}
	return append([]byte(nil), data...), nil
}

func (c *Commander) CopyTo(_ context.Context, local, dst string) error {
	c.SetFile(dst, []byte(local))
	return nil
}

func (c *Commander) Run(_ context.Context, cmd remote.Command) (remote.Result, error) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	h := c.Handler
	c.mu.Unlock()
	if h == nil {
		return remote.Result{}, nil
	}
	return h(c, cmd)
}

// Behavior selects what a fake run does.
type Behavior int

const (
	// Complete finishes immediately.
	Complete Behavior = iota
	// Hang never finishes and never makes progress.
	Hang
	// TimeOut finishes as if the timeout wrapper fired.
	TimeOut
	// Crash fails the run with a transport error.
	Crash
	// Panic makes the guest report a panic event while running.
	Panic
	// Busy makes progress every millisecond and finishes after BusyFor.
	Busy
)

// Env is a scriptable orchestrator.Environment.
type Env struct {
	mu sync.Mutex
	// Cmd is returned by Inspector.
	Cmd *Commander
	// Output builds the collected per-target output for a program.
	Output func(program []byte) []orchestrator.TargetOutput
	// RestoreErrs are returned by successive Restore calls, nil once exhausted.
	RestoreErrs []error
	// Behaviors drive successive runs; Complete once exhausted.
	Behaviors []Behavior
	// BusyFor is how long a Busy run lasts.
	BusyFor time.Duration

	program   []byte
	panicked  bool
	recreates int
	programs  [][]byte
}

// NewEnv returns an environment whose runs complete with the given output.
func NewEnv(output func(program []byte) []orchestrator.TargetOutput) *Env {
	return &Env{Cmd: NewCommander(), Output: output}
}

// Recreates counts Recreate calls.
func (e *Env) Recreates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recreates
}

// Programs returns every dispatched program.
func (e *Env) Programs() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.programs...)
}

func (e *Env) Restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panicked = false
	if len(e.RestoreErrs) > 0 {
		err := e.RestoreErrs[0]
		e.RestoreErrs = e.RestoreErrs[1:]
		return err
	}
	return ctx.Err()
}

func (e *Env) Ready(context.Context) error { return nil }

func (e *Env) Dispatch(_ context.Context, program []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.program = program
	e.programs = append(e.programs, program)
	return nil
}

type run struct {
	progress atomic.Uint64
	done     chan orchestrator.RunStatus
	stop     chan struct{}
	once     sync.Once
}

func (r *run) Progress() uint64 { return r.progress.Load() }

func (r *run) Done() <-chan orchestrator.RunStatus { return r.done }

func (r *run) Kill() { r.finish(orchestrator.RunStatus{Err: context.Canceled}) }

func (r *run) finish(st orchestrator.RunStatus) {
	r.once.Do(func() {
		r.done <- st
		close(r.stop)
	})
}

func (r *run) busy(d time.Duration) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	end := time.After(d)
	for {
		select {
		case <-r.stop:
			return
		case <-end:
			r.finish(orchestrator.RunStatus{})
			return
		case <-tick.C:
			r.progress.Add(1)
		}
	}
}

func (e *Env) Run(context.Context) (orchestrator.Run, error) {
	e.mu.Lock()
	b := Complete
	if len(e.Behaviors) > 0 {
		b = e.Behaviors[0]
		e.Behaviors = e.Behaviors[1:]
	}
	busyFor := e.BusyFor
	e.mu.Unlock()
	r := &run{done: make(chan orchestrator.RunStatus, 1), stop: make(chan struct{})}
	switch b {
	case Complete:
		r.finish(orchestrator.RunStatus{})
	case TimeOut:
		r.finish(orchestrator.RunStatus{TimedOut: true})
	case Crash:
		r.finish(orchestrator.RunStatus{Err: errors.New("connection reset")})
	case Panic:
		e.mu.Lock()
		e.panicked = true
		e.mu.Unlock()
	case Busy:
		go r.busy(busyFor)
	}
	return r, nil
}

func (e *Env) Collect(context.Context) ([]orchestrator.TargetOutput, error) {
	e.mu.Lock()
	program := e.program
	e.mu.Unlock()
	if e.Output == nil {
		return nil, nil
	}
	return e.Output(program), nil
}

func (e *Env) Panicked() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.panicked
	e.panicked = false
	return p, nil
}

func (e *Env) Recreate(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recreates++
	return nil
}

func (e *Env) Inspector() remote.Commander { return e.Cmd }

func (e *Env) Close() error { return nil }

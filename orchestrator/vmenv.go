package orchestrator

import (
	"bytes"
	"context"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/domains"
	"alma.local/fsfuzz/encoding"
	"alma.local/fsfuzz/remote"
	"alma.local/fsfuzz/vm"
)

// Executor sources copied to the guest and built together with test.c.
var ExecutorFiles = []string{"makefile", "executor.h", "executor.cpp"}

const (
	traceFile    = "trace.csv"
	rawCoverFile = "kcov.dat"
	testBinary   = "test"
)

// Upload is a host file installed in the guest before the snapshot is taken.
type Upload struct {
	Local  string
	Remote string
}

// VMConfig configures a VMEnvironment.
type VMConfig struct {
	Targets []domains.Target
	// RemoteDir is where the executor is built inside the guest.
	RemoteDir string
	// ExecutorDir is the host directory with the executor sources.
	ExecutorDir string
	Uploads     []Upload
	// Timeout is passed to the guest-side timeout wrapper.
	Timeout time.Duration
	// RawCoverage reads kcov.dat instead of parsing executor stdout.
	RawCoverage bool
}

// Launcher brings up a new machine and returns its supervisor and the
// transport to reach it.
type Launcher func(ctx context.Context) (vm.Supervisor, remote.Commander, error)

// VMEnvironment runs workloads in a snapshotted machine.
type VMEnvironment struct {
	cfg    VMConfig
	launch Launcher
	log    *logrus.Entry

	sup      vm.Supervisor
	cmd      remote.Commander
	prepared bool
	outputs  []*targetRun
}

// NewVMEnvironment launches the first machine.
func NewVMEnvironment(ctx context.Context, cfg VMConfig, launch Launcher, log *logrus.Entry) (*VMEnvironment, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("orchestrator: no targets")
	}
	e := &VMEnvironment{cfg: cfg, launch: launch, log: log.WithField("component", "vmenv")}
	var err error
	e.sup, e.cmd, err = launch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: launch environment")
	}
	return e, nil
}

// prepare installs the executor and takes the snapshot every later run
// starts from.
func (e *VMEnvironment) prepare(ctx context.Context) error {
	if err := e.cmd.RemoveAll(ctx, e.cfg.RemoteDir); err != nil {
		e.log.WithError(err).Debug("failed to clear remote dir")
	}
	if err := e.cmd.MkdirAll(ctx, e.cfg.RemoteDir); err != nil {
		return err
	}
	for _, name := range ExecutorFiles {
		if err := e.cmd.CopyTo(ctx, filepath.Join(e.cfg.ExecutorDir, name), path.Join(e.cfg.RemoteDir, name)); err != nil {
			return err
		}
	}
	for _, u := range e.cfg.Uploads {
		if err := e.cmd.CopyTo(ctx, u.Local, u.Remote); err != nil {
			return err
		}
	}
	if err := e.sup.SaveSnapshot(ctx); err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	e.prepared = true
	return nil
}

func (e *VMEnvironment) Restore(ctx context.Context) error {
	if !e.prepared {
		if err := e.prepare(ctx); err != nil {
			return errors.Wrap(err, "failed to prepare environment")
		}
	} else if err := e.sup.LoadSnapshot(ctx); err != nil {
		return err
	}
	return e.sup.ResetEvents()
}

func (e *VMEnvironment) Ready(ctx context.Context) error {
	for _, t := range e.cfg.Targets {
		for _, c := range t.Teardown() {
			e.cmd.Run(ctx, c)
		}
		for _, c := range t.Setup() {
			if _, err := remote.Output(ctx, e.cmd, c); err != nil {
				return errors.Wrapf(err, "failed to set up %s", t.FS.Name)
			}
		}
		stale := remote.Command{Name: "rm", Args: []string{"-f", path.Join(t.ExecDir, traceFile), path.Join(t.ExecDir, rawCoverFile)}}
		if _, err := remote.Output(ctx, e.cmd, stale); err != nil {
			return err
		}
	}
	return nil
}

func (e *VMEnvironment) Dispatch(ctx context.Context, program []byte) error {
	if err := e.cmd.WriteFile(ctx, path.Join(e.cfg.RemoteDir, encoding.TestFile), program); err != nil {
		return err
	}
	build := remote.Command{Name: "make", Args: []string{"-C", e.cfg.RemoteDir}}
	if _, err := remote.Output(ctx, e.cmd, build); err != nil {
		return errors.Wrap(err, "failed to make test binary")
	}
	return nil
}

type targetRun struct {
	target   domains.Target
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	timedOut bool
}

// counter is an io.Writer that counts bytes into a shared progress counter.
type counter struct {
	buf      *bytes.Buffer
	progress *atomic.Uint64
}

func (c counter) Write(p []byte) (int, error) {
	c.progress.Add(uint64(len(p)))
	return c.buf.Write(p)
}

type vmRun struct {
	progress atomic.Uint64
	done     chan RunStatus
	cancel   context.CancelFunc
	once     sync.Once
}

func (r *vmRun) Progress() uint64 { return r.progress.Load() }

func (r *vmRun) Done() <-chan RunStatus { return r.done }

func (r *vmRun) Kill() { r.once.Do(r.cancel) }

func (e *VMEnvironment) Run(ctx context.Context) (Run, error) {
	rctx, cancel := context.WithCancel(ctx)
	r := &vmRun{done: make(chan RunStatus, 1), cancel: cancel}
	e.outputs = make([]*targetRun, len(e.cfg.Targets))
	for i, t := range e.cfg.Targets {
		e.outputs[i] = &targetRun{target: t}
	}
	bin := path.Join(e.cfg.RemoteDir, testBinary)
	go func() {
		defer cancel()
		var status RunStatus
		for _, tr := range e.outputs {
			res, err := e.cmd.Run(rctx, remote.Command{
				Name:    bin,
				Args:    []string{tr.target.Workspace},
				Dir:     tr.target.ExecDir,
				Timeout: e.cfg.Timeout,
				Stdout:  counter{buf: &tr.stdout, progress: &r.progress},
				Stderr:  counter{buf: &tr.stderr, progress: &r.progress},
			})
			if err != nil {
				status.Err = errors.Wrapf(err, "executor on %s", tr.target.FS.Name)
				break
			}
			// The executor always exits non-zero; only the timeout status matters.
			if res.TimedOut {
				tr.timedOut = true
				status.TimedOut = true
			}
		}
		r.done <- status
	}()
	return r, nil
}

func (e *VMEnvironment) Collect(ctx context.Context) ([]TargetOutput, error) {
	out := make([]TargetOutput, 0, len(e.outputs))
	for _, tr := range e.outputs {
		o := TargetOutput{
			FS:        tr.target.FS.Name,
			Workspace: tr.target.Workspace,
			Stdout:    tr.stdout.Bytes(),
			Stderr:    tr.stderr.Bytes(),
			Coverage:  tr.stdout.Bytes(),
		}
		trace, err := e.cmd.ReadFile(ctx, path.Join(tr.target.ExecDir, traceFile))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.WithError(err).WithField("fs", o.FS).Debug("no trace")
			o.TraceMissing = true
		}
		o.Trace = trace
		if e.cfg.RawCoverage {
			raw, err := e.cmd.ReadFile(ctx, path.Join(tr.target.ExecDir, rawCoverFile))
			if err != nil {
				return nil, errors.Wrapf(err, "read coverage of %s", o.FS)
			}
			o.Coverage, o.CoverageFormat = raw, CoverageRaw
		}
		out = append(out, o)
	}
	return out, nil
}

func (e *VMEnvironment) Panicked() (bool, error) { return e.sup.HadPanicEvent() }

func (e *VMEnvironment) Recreate(ctx context.Context) error {
	if err := e.sup.Close(); err != nil {
		e.log.WithError(err).Warn("failed to stop environment")
	}
	e.prepared = false
	sup, cmd, err := e.launch(ctx)
	if err != nil {
		return errors.Wrap(err, "orchestrator: relaunch environment")
	}
	e.sup, e.cmd = sup, cmd
	return nil
}

func (e *VMEnvironment) Inspector() remote.Commander { return e.cmd }

func (e *VMEnvironment) Close() error { return e.sup.Close() }

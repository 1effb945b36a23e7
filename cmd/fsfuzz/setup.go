package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"alma.local/fsfuzz/config"
	"alma.local/fsfuzz/corpus"
	"alma.local/fsfuzz/domains"
	"alma.local/fsfuzz/findings"
	"alma.local/fsfuzz/fuzzer"
	"alma.local/fsfuzz/generator"
	"alma.local/fsfuzz/internal/metrics"
	"alma.local/fsfuzz/mutator"
	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/remote"
	"alma.local/fsfuzz/scheduler"
	"alma.local/fsfuzz/tracer"
	"alma.local/fsfuzz/vm"
)

// testName is the workspace directory the executor gets inside each mount.
const testName = "test"

// perWorker suffixes name for worker id when several workers share a host.
func perWorker(cfg config.Config, name string, id int) string {
	if cfg.Workers <= 1 || name == "" {
		return name
	}
	return fmt.Sprintf("%s-%d", name, id)
}

func launcher(cfg config.Config, id int, log *logrus.Entry) orchestrator.Launcher {
	if !cfg.VM.Enabled {
		return func(context.Context) (vm.Supervisor, remote.Commander, error) {
			return vm.Native{}, remote.Local{}, nil
		}
	}
	return func(ctx context.Context) (vm.Supervisor, remote.Commander, error) {
		sshPort, monitorPort := cfg.VM.SSHPort, cfg.VM.MonitorPort
		var err error
		if sshPort == 0 || cfg.Workers > 1 {
			if sshPort, err = remote.FreshTCPPort(); err != nil {
				return nil, nil, err
			}
		}
		if monitorPort == 0 || cfg.Workers > 1 {
			if monitorPort, err = remote.FreshTCPPort(); err != nil {
				return nil, nil, err
			}
		}
		q, err := vm.Launch(ctx, vm.QemuConfig{
			LaunchScript:      cfg.VM.LaunchScript,
			OSImage:           cfg.VM.OSImage,
			MonitorPort:       monitorPort,
			SSHPort:           sshPort,
			QMPSocketPath:     perWorker(cfg, cfg.VM.QMPSocketPath, id),
			MonitorSocketPath: perWorker(cfg, cfg.VM.MonitorSocketPath, id),
			BootWait:          cfg.VM.BootWait(),
			LogPath:           perWorker(cfg, cfg.VM.LogPath, id),
		}, log)
		if err != nil {
			return nil, nil, err
		}
		ssh := remote.SSH{
			Host:    "localhost",
			Port:    sshPort,
			User:    cfg.VM.SSHUser,
			KeyPath: cfg.VM.SSHPrivateKeyPath,
		}
		return q, ssh, nil
	}
}

// newWorker builds the environment, orchestrator and runner of one worker.
func newWorker(ctx context.Context, cfg config.Config, id int, m *metrics.Metrics, log *logrus.Entry) (*fuzzer.Runner, error) {
	log = log.WithField("worker", id)
	remoteDir := perWorker(cfg, cfg.Executor.RemoteDir, id)
	mountRoot := remoteDir + "-mnt"

	var targets []domains.Target
	for _, name := range cfg.TargetNames() {
		fs, err := domains.Lookup(name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, domains.NewTarget(fs, remoteDir, mountRoot, testName))
	}

	var uploads []orchestrator.Upload
	if cfg.Oracle.Enabled && cfg.Oracle.HasherLocalPath != "" {
		uploads = append(uploads, orchestrator.Upload{Local: cfg.Oracle.HasherLocalPath, Remote: cfg.Oracle.HasherRemotePath})
	}

	env, err := orchestrator.NewVMEnvironment(ctx, orchestrator.VMConfig{
		Targets:     targets,
		RemoteDir:   remoteDir,
		ExecutorDir: cfg.Executor.SourceDir,
		Uploads:     uploads,
		Timeout:     cfg.TimeoutDuration(),
		RawCoverage: cfg.Greybox.RawCoverage,
	}, launcher(cfg, id, log), log)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(env, orchestrator.Options{
		Heartbeat:   cfg.Heartbeat(),
		Timeout:     cfg.TimeoutDuration(),
		BootWait:    cfg.VM.BootWait(),
		MaxRetries:  cfg.MaxInfraRetries,
		CheckOutput: tracer.SetupFailure,
		OnRetry: func(state orchestrator.State, _ error) {
			m.Retry(state.String())
		},
	}, log)

	var check fuzzer.StateOracle
	switch {
	case cfg.Oracle.Enabled:
		check = oracle.NewClient(cfg.Oracle.HasherRemotePath, remoteDir, cfg.Oracle.Options, log)
	case cfg.Oracle.Trace:
		check = fuzzer.TraceOracle()
	}
	return fuzzer.NewRunner(orch, check, log), nil
}

func fuzz(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	var store corpus.Store = corpus.NopStore{}
	if cfg.CorpusDir != "" {
		fileStore, err := corpus.OpenFileStore(cfg.CorpusDir, cfg.Greybox.SaveCorpus)
		if err != nil {
			return err
		}
		store = fileStore
	}
	defer store.Close()
	records, err := store.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load corpus")
	}

	policy, err := scheduler.NewPolicy(cfg.Greybox.Scheduler, cfg.Greybox.MConstant)
	if err != nil {
		return err
	}
	sched := scheduler.New(corpus.New(store, cfg.Greybox.MaxCorpusSize), policy, log)
	sched.Load(records)

	ops, err := cfg.OperationTable()
	if err != nil {
		return err
	}
	muts, err := cfg.MutationTable()
	if err != nil {
		return err
	}
	gen := generator.New(ops, cfg.MaxWorkloadLength)
	mut := mutator.New(gen, muts, cfg.Greybox.MaxMutations)

	found, err := findings.Open(cfg.FindingsDir)
	if err != nil {
		return err
	}

	workers := make([]fuzzer.Fuzzer, 0, cfg.Workers)
	defer func() {
		for _, w := range workers {
			w.Close()
		}
	}()
	for i := 0; i < cfg.Workers; i++ {
		r, err := newWorker(ctx, cfg, i, m, log)
		if err != nil {
			return errors.Wrapf(err, "failed to start worker %d", i)
		}
		workers = append(workers, r)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	st := sched.Stats()
	resume := sched.Clock()
	log.WithFields(logrus.Fields{
		"targets":  cfg.TargetNames(),
		"workers":  cfg.Workers,
		"seed":     seed,
		"corpus":   st.CorpusSize,
		"coverage": st.CoverageSize,
		"findings": found.Len(),
		"resume":   resume,
	}).Info("starting campaign")

	campaign := fuzzer.NewCampaign(fuzzer.Options{
		Seed:           seed,
		Iterations:     cfg.Iterations,
		StartIteration: resume,
		StatusInterval: cfg.Status(),
	}, sched, gen, mut, found, m, workers, log)
	return campaign.Run(ctx)
}

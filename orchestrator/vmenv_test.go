package orchestrator_test

import (
	"context"
	"io"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"alma.local/fsfuzz/domains"
	"alma.local/fsfuzz/orchestrator"
	"alma.local/fsfuzz/orchestrator/orchestratortest"
	"alma.local/fsfuzz/remote"
	"alma.local/fsfuzz/vm"
)

const goodTrace = "Index,Command,ReturnCode,Errno\n   1,      CREATE,       3,Success(0)\n"

func vmConfig(t *testing.T, names ...string) orchestrator.VMConfig {
	t.Helper()
	var targets []domains.Target
	for _, n := range names {
		fs, err := domains.Lookup(n)
		if err != nil {
			t.Fatal(err)
		}
		targets = append(targets, domains.NewTarget(fs, "/fsfuzz", "/fsfuzz-mnt", "test"))
	}
	return orchestrator.VMConfig{
		Targets:     targets,
		RemoteDir:   "/fsfuzz",
		ExecutorDir: "executor",
		Uploads:     []orchestrator.Upload{{Local: "hasher", Remote: "/usr/local/bin/hasher"}},
		Timeout:     time.Second,
	}
}

// executorHandler answers the test binary like the real executor: a trace
// in its working directory, coverage on stdout and exit status 1.
func executorHandler(timedOut map[string]bool) func(c *orchestratortest.Commander, cmd remote.Command) (remote.Result, error) {
	return func(c *orchestratortest.Commander, cmd remote.Command) (remote.Result, error) {
		if cmd.Name != "/fsfuzz/test" {
			return remote.Result{}, nil
		}
		if timedOut[cmd.Dir] {
			return remote.Result{ExitCode: remote.TimeoutExitCode, TimedOut: true}, nil
		}
		c.SetFile(path.Join(cmd.Dir, "trace.csv"), []byte(goodTrace))
		io.WriteString(cmd.Stdout, "0x10\n0x20\n")
		return remote.Result{ExitCode: 1}, nil
	}
}

func TestVMEnvironmentRunsEveryTarget(t *testing.T) {
	cmd := orchestratortest.NewCommander()
	cmd.Handler = executorHandler(nil)
	launches := 0
	launch := func(context.Context) (vm.Supervisor, remote.Commander, error) {
		launches++
		return vm.Native{}, cmd, nil
	}
	env, err := orchestrator.NewVMEnvironment(context.Background(), vmConfig(t, "ext4", "btrfs"), launch, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	o := orchestrator.New(env, opts(), quietLog())
	exec, err := o.Execute(context.Background(), oneOp())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exec.Outcome != orchestrator.OutcomeCompleted {
		t.Fatalf("Expected completed, got %s", exec.Outcome)
	}
	if diff := cmp.Diff(happyPath, exec.Transitions); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	var fss []string
	for _, out := range exec.Outputs {
		fss = append(fss, out.FS)
		if string(out.Trace) != goodTrace || string(out.Coverage) != "0x10\n0x20\n" || out.TraceMissing {
			t.Errorf("Unexpected output for %s: %+v", out.FS, out)
		}
		if out.Workspace != "/fsfuzz-mnt/"+out.FS+"/test" {
			t.Errorf("Unexpected workspace %s", out.Workspace)
		}
	}
	if diff := cmp.Diff([]string{"ext4", "btrfs"}, fss); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}

	var ran []string
	for _, c := range cmd.Commands() {
		ran = append(ran, c.Name)
	}
	joined := strings.Join(ran, " ")
	for _, want := range []string{"mkfs.ext4", "mkfs.btrfs", "mount", "make", "/fsfuzz/test"} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected %s to run, got %v", want, ran)
		}
	}
	if _, err := cmd.ReadFile(context.Background(), "/fsfuzz/test.c"); err != nil {
		t.Errorf("Expected test.c to be written: %v", err)
	}
	if _, err := cmd.ReadFile(context.Background(), "/usr/local/bin/hasher"); err != nil {
		t.Errorf("Expected hasher upload: %v", err)
	}
	if launches != 1 {
		t.Errorf("Expected one launch, got %d", launches)
	}
}

func TestVMEnvironmentTimeout(t *testing.T) {
	cmd := orchestratortest.NewCommander()
	cmd.Handler = executorHandler(map[string]bool{"/fsfuzz/xfs": true})
	launch := func(context.Context) (vm.Supervisor, remote.Commander, error) {
		return vm.Native{}, cmd, nil
	}
	env, err := orchestrator.NewVMEnvironment(context.Background(), vmConfig(t, "ext4", "xfs"), launch, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	exec, err := orchestrator.New(env, opts(), quietLog()).Execute(context.Background(), oneOp())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if exec.Outcome != orchestrator.OutcomeTimeout {
		t.Errorf("Expected timeout, got %s", exec.Outcome)
	}
	if len(exec.Outputs) != 2 || !exec.Outputs[1].TraceMissing {
		t.Errorf("Expected missing trace on xfs, got %+v", exec.Outputs)
	}
}

func TestVMEnvironmentRequiresTargets(t *testing.T) {
	launch := func(context.Context) (vm.Supervisor, remote.Commander, error) {
		return vm.Native{}, orchestratortest.NewCommander(), nil
	}
	if _, err := orchestrator.NewVMEnvironment(context.Background(), orchestrator.VMConfig{}, launch, quietLog()); err == nil {
		t.Error("Expected error without targets")
	}
}

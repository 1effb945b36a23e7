package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alma.local/fsfuzz/oracle"
)

const sample = `
fs_name: ext4
heartbeat_interval: 2
timeout: "20"
workers: 4
seed: 7
targets: [ext4, btrfs]
vm:
  enabled: false
greybox:
  max_mutations: 3
  scheduler: queue
  save_corpus: true
oracle:
  enabled: true
  trace: true
  mode: false
operation_weights:
  create: 10
  mkdir: 5
mutation_weights:
  INSERT: 1
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Unexpected validation error: %v", err)
	}
	if cfg.Timeout != 20 || cfg.HeartbeatInterval != 2 || cfg.Workers != 4 || cfg.Seed != 7 {
		t.Errorf("Unexpected top-level values: %+v", cfg)
	}
	if cfg.VM.Enabled {
		t.Error("Expected vm disabled")
	}
	if cfg.VM.SSHUser != "root" {
		t.Errorf("Expected default ssh_user, got %q", cfg.VM.SSHUser)
	}
	if cfg.Greybox.Scheduler != "queue" || !cfg.Greybox.SaveCorpus || cfg.Greybox.MConstant != 16 {
		t.Errorf("Unexpected greybox section: %+v", cfg.Greybox)
	}
	wantOracle := oracle.Options{Size: true, FileHardlink: true, DirHardlink: true, Mode: false, Trace: true}
	if diff := cmp.Diff(wantOracle, cfg.Oracle.Options); diff != "" {
		t.Errorf("Oracle options mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"create": 10, "mkdir": 5}, cfg.OperationWeights); diff != "" {
		t.Errorf("Expected file weights to replace defaults (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ext4", "btrfs"}, cfg.TargetNames()); diff != "" {
		t.Errorf("Targets mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultIsValidWithoutVM(t *testing.T) {
	cfg := Default()
	cfg.VM.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default to be valid, got %v", err)
	}
	if diff := cmp.Diff([]string{"ext4"}, cfg.TargetNames()); diff != "" {
		t.Errorf("Expected fs_name as target (-want +got):\n%s", diff)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	if _, err := Parse([]byte("greybox:\n  max_mutatoins: 3\n")); err == nil {
		t.Error("Expected error for misspelled key")
	}
}

func TestValidateAggregates(t *testing.T) {
	cfg := Default()
	cfg.VM.Enabled = false
	cfg.HeartbeatInterval = 30
	cfg.Timeout = 10
	cfg.OperationWeights = map[string]int{"CREATE": 0, "MKDIR": 0}
	cfg.MutationWeights = map[string]int{"INSERT": -1}
	cfg.Targets = []string{"ext4", "ntfs"}

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	want := []string{"heartbeat_interval", "targets:", "operation_weights:", "mutation_weights:"}
	for _, w := range want {
		found := false
		for _, p := range verr.Problems {
			if strings.HasPrefix(p, w) {
				found = true
			}
		}
		if !found {
			t.Errorf("Expected a problem starting with %q, got %v", w, verr.Problems)
		}
	}
}

func TestValidateUnknownKind(t *testing.T) {
	cfg := Default()
	cfg.VM.Enabled = false
	cfg.OperationWeights = map[string]int{"TRUNCATE": 1}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "TRUNCATE") {
		t.Errorf("Expected unknown kind error, got %v", err)
	}
}

func TestValidateVMRequiresScript(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "vm.launch_script") {
		t.Errorf("Expected launch_script error, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fsfuzz.yaml")
	if err := os.WriteFile(path, []byte("vm:\n  enabled: false\ntimeout: 5\nheartbeat_interval: 6\n"), 0o644); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected heartbeat > timeout to be rejected")
	}
}

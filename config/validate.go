package config

import (
	"fmt"
	"strings"

	"alma.local/fsfuzz/domains"
	"alma.local/fsfuzz/internal/weighted"
	"alma.local/fsfuzz/mutator"
	"alma.local/fsfuzz/scheduler"
	"alma.local/fsfuzz/workload"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "config: invalid configuration:\n  " + strings.Join(e.Problems, "\n  ")
}

// Validate checks c as a whole and reports all problems at once.
func (c Config) Validate() error {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Timeout <= 0 {
		fail("timeout must be positive, got %d", c.Timeout)
	}
	if c.HeartbeatInterval <= 0 {
		fail("heartbeat_interval must be positive, got %d", c.HeartbeatInterval)
	}
	if c.HeartbeatInterval > c.Timeout {
		fail("heartbeat_interval (%d) must not exceed timeout (%d)", c.HeartbeatInterval, c.Timeout)
	}
	if c.MaxWorkloadLength < 1 {
		fail("max_workload_length must be at least 1, got %d", c.MaxWorkloadLength)
	}
	if c.Workers < 1 {
		fail("workers must be at least 1, got %d", c.Workers)
	}
	if c.StatusInterval <= 0 {
		fail("status_interval must be positive, got %d", c.StatusInterval)
	}
	if c.MaxInfraRetries < 0 {
		fail("max_infra_retries must not be negative, got %d", c.MaxInfraRetries)
	}
	if c.FindingsDir == "" {
		fail("findings_dir must be set")
	}
	if c.Greybox.MaxMutations < 1 {
		fail("greybox.max_mutations must be at least 1, got %d", c.Greybox.MaxMutations)
	}
	if c.Greybox.MaxCorpusSize < 0 {
		fail("greybox.max_corpus_size must not be negative, got %d", c.Greybox.MaxCorpusSize)
	}
	if _, err := scheduler.NewPolicy(c.Greybox.Scheduler, c.Greybox.MConstant); err != nil {
		fail("greybox: %v", err)
	}
	if c.Executor.SourceDir == "" {
		fail("executor.source_dir must be set")
	}
	if c.Executor.RemoteDir == "" {
		fail("executor.remote_dir must be set")
	}

	seen := make(map[string]bool)
	for _, name := range c.TargetNames() {
		if _, err := domains.Lookup(name); err != nil {
			fail("targets: %v", err)
		}
		if seen[name] {
			fail("targets: %s listed twice", name)
		}
		seen[name] = true
	}

	if c.VM.Enabled {
		if c.VM.LaunchScript == "" {
			fail("vm.launch_script must be set when vm.enabled")
		}
		if c.VM.OSImage == "" {
			fail("vm.os_image must be set when vm.enabled")
		}
		if c.VM.BootWaitTime <= 0 {
			fail("vm.boot_wait_time must be positive, got %d", c.VM.BootWaitTime)
		}
	}
	if c.Oracle.Enabled && c.Oracle.HasherRemotePath == "" {
		fail("oracle.hasher_remote_path must be set when oracle.enabled")
	}

	if _, err := c.OperationTable(); err != nil {
		fail("operation_weights: %v", err)
	}
	if _, err := c.MutationTable(); err != nil {
		fail("mutation_weights: %v", err)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// OperationTable parses OperationWeights.
func (c Config) OperationTable() (*weighted.Table[workload.Kind], error) {
	weights := make(map[workload.Kind]int, len(c.OperationWeights))
	for name, w := range c.OperationWeights {
		k, err := workload.ParseKind(name)
		if err != nil {
			return nil, err
		}
		weights[k] = w
	}
	return weighted.New(weights)
}

// MutationTable parses MutationWeights.
func (c Config) MutationTable() (*weighted.Table[mutator.Kind], error) {
	weights := make(map[mutator.Kind]int, len(c.MutationWeights))
	for name, w := range c.MutationWeights {
		k, err := mutator.ParseKind(name)
		if err != nil {
			return nil, err
		}
		weights[k] = w
	}
	return weighted.New(weights)
}

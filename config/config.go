// Package config loads campaign settings from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"alma.local/fsfuzz/oracle"
)

// Config is the full campaign configuration. Durations are in seconds.
type Config struct {
	// Campaign label; also the target when Targets is empty.
	FSName string `mapstructure:"fs_name"`
	// Progress polling period of a running workload.
	HeartbeatInterval int `mapstructure:"heartbeat_interval"`
	// Upper bound on operations per workload.
	MaxWorkloadLength int `mapstructure:"max_workload_length"`
	// Executor time limit.
	Timeout int `mapstructure:"timeout"`
	// Number of concurrent workers, each with its own environment.
	Workers int `mapstructure:"workers"`
	// Base random seed; worker i uses Seed+i.
	Seed int64 `mapstructure:"seed"`
	// Stop after this many iterations; 0 runs until interrupted.
	Iterations uint64 `mapstructure:"iterations"`
	// Where seeds.jsonl is kept. Empty disables persistence.
	CorpusDir   string `mapstructure:"corpus_dir"`
	FindingsDir string `mapstructure:"findings_dir"`
	// Period of the status log line.
	StatusInterval int `mapstructure:"status_interval"`
	// host:port of the Prometheus endpoint. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// Extra attempts after an infrastructure failure before giving up.
	MaxInfraRetries int `mapstructure:"max_infra_retries"`

	VM       VMConfig       `mapstructure:"vm"`
	Greybox  GreyboxConfig  `mapstructure:"greybox"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Executor ExecutorConfig `mapstructure:"executor"`

	Targets          []string       `mapstructure:"targets"`
	OperationWeights map[string]int `mapstructure:"operation_weights"`
	MutationWeights  map[string]int `mapstructure:"mutation_weights"`
}

// VMConfig describes the QEMU guest.
type VMConfig struct {
	// When false workloads run on the host without snapshots.
	Enabled bool `mapstructure:"enabled"`
	// Script started with OS_IMAGE, MONITOR_PORT, SSH_PORT,
	// QMP_SOCKET_PATH and MONITOR_SOCKET_PATH in its environment.
	LaunchScript      string `mapstructure:"launch_script"`
	OSImage           string `mapstructure:"os_image"`
	SSHPrivateKeyPath string `mapstructure:"ssh_private_key_path"`
	SSHUser           string `mapstructure:"ssh_user"`
	// Ports of 0 are allocated per worker.
	SSHPort           int    `mapstructure:"ssh_port"`
	MonitorPort       int    `mapstructure:"monitor_port"`
	MonitorSocketPath string `mapstructure:"monitor_socket_path"`
	QMPSocketPath     string `mapstructure:"qmp_socket_path"`
	BootWaitTime      int    `mapstructure:"boot_wait_time"`
	// Launch script stderr is appended here.
	LogPath string `mapstructure:"log_path"`
}

// GreyboxConfig tunes the coverage-guided loop.
type GreyboxConfig struct {
	MaxMutations int  `mapstructure:"max_mutations"`
	SaveCorpus   bool `mapstructure:"save_corpus"`
	// "fast" or "queue".
	Scheduler     string `mapstructure:"scheduler"`
	MConstant     int    `mapstructure:"m_constant"`
	MaxCorpusSize int    `mapstructure:"max_corpus_size"`
	// Read the binary kcov dump instead of the executor's stdout.
	RawCoverage bool `mapstructure:"raw_coverage"`
}

// OracleConfig enables the state comparison and its dimensions.
type OracleConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	HasherLocalPath  string `mapstructure:"hasher_local_path"`
	HasherRemotePath string `mapstructure:"hasher_remote_path"`

	oracle.Options `mapstructure:",squash"`
}

// ExecutorConfig locates the executor sources.
type ExecutorConfig struct {
	// Host directory with makefile, executor.h and executor.cpp.
	SourceDir string `mapstructure:"source_dir"`
	// Guest directory the executor is built and run in.
	RemoteDir string `mapstructure:"remote_dir"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		FSName:            "ext4",
		HeartbeatInterval: 1,
		MaxWorkloadLength: 64,
		Timeout:           10,
		Workers:           1,
		FindingsDir:       "findings",
		StatusInterval:    10,
		MaxInfraRetries:   2,
		VM: VMConfig{
			Enabled:           true,
			SSHUser:           "root",
			MonitorSocketPath: "/tmp/fsfuzz-monitor.sock",
			QMPSocketPath:     "/tmp/fsfuzz-qmp.sock",
			BootWaitTime:      30,
			LogPath:           "fsfuzz-qemu.log",
		},
		Greybox: GreyboxConfig{
			MaxMutations: 5,
			Scheduler:    "fast",
			MConstant:    16,
		},
		Oracle: OracleConfig{
			HasherRemotePath: "/usr/local/bin/fsfuzz-hasher",
			Options:          oracle.Options{Size: true, FileHardlink: true, DirHardlink: true, Mode: true},
		},
		Executor: ExecutorConfig{
			SourceDir: "executor",
			RemoteDir: "/root/fsfuzz",
		},
		OperationWeights: map[string]int{
			"CREATE": 100, "MKDIR": 100, "REMOVE": 100, "HARDLINK": 100,
			"SYMLINK": 100, "RENAME": 100, "OPEN": 100, "CLOSE": 100,
			"WRITE": 100, "READ": 100, "FSYNC": 100,
		},
		MutationWeights: map[string]int{"INSERT": 100, "REMOVE": 50},
	}
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (Config, error) {
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(err, "config: parse yaml")
	}
	cfg := Default()
	// Tables from the file replace the defaults instead of merging into them.
	if _, ok := raw["operation_weights"]; ok {
		cfg.OperationWeights = nil
	}
	if _, ok := raw["mutation_weights"]; ok {
		cfg.MutationWeights = nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "config: decoder")
	}
	if err := dec.Decode(normalize(raw)); err != nil {
		return Config{}, errors.Wrap(err, "config: decode")
	}
	return cfg, nil
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize turns the map[interface{}]interface{} values yaml.v2 produces
// into string keyed maps mapstructure can decode into structs.
func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case map[string]interface{}:
		for k, val := range v {
			v[k] = normalize(val)
		}
		return v
	case []interface{}:
		for i, val := range v {
			v[i] = normalize(val)
		}
		return v
	}
	return v
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Heartbeat is HeartbeatInterval as a duration.
func (c Config) Heartbeat() time.Duration { return seconds(c.HeartbeatInterval) }

// TimeoutDuration is Timeout as a duration.
func (c Config) TimeoutDuration() time.Duration { return seconds(c.Timeout) }

// Status is StatusInterval as a duration.
func (c Config) Status() time.Duration { return seconds(c.StatusInterval) }

// BootWait is BootWaitTime as a duration.
func (c VMConfig) BootWait() time.Duration { return seconds(c.BootWaitTime) }

// TargetNames returns Targets, or FSName alone when no targets are listed.
func (c Config) TargetNames() []string {
	if len(c.Targets) == 0 {
		return []string{c.FSName}
	}
	return c.Targets
}

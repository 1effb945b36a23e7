// Package findings stores deduplicated divergence artifacts on disk.
package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"alma.local/fsfuzz/encoding"
	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/workload"
)

const (
	WorkloadFile = "workload.json"
	DiffFile     = "diff.json"
	ReasonFile   = "reason.md"
)

// Finding is one divergence (or kernel panic) detected on a workload.
type Finding struct {
	Dimension oracle.Dimension
	Workload  workload.Workload
	// Traces are the raw trace.csv dumps keyed by filesystem name.
	Traces    map[string][]byte
	Diffs     []oracle.Diff
	Iteration uint64
	// Dimensions lists every dimension the execution diverged on.
	Dimensions []oracle.Dimension
	// Note is free text appended to the reason file.
	Note string
}

// Signature identifies a finding by the operation kinds of its workload and
// the diverging dimension.
func Signature(kinds []workload.Kind, dim oracle.Dimension) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",") + "|" + string(dim)))
	return hex.EncodeToString(sum[:])[:16]
}

// DirName is the artifact directory name of a finding.
func DirName(dim oracle.Dimension, sig string) string {
	return string(dim) + "-" + sig
}

// Store records findings under a directory. It is safe for concurrent use.
type Store struct {
	dir  string
	mu   sync.Mutex
	seen map[string]bool
}

// Open creates dir if needed and loads the signatures of existing findings.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "findings: create dir")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "findings: list dir")
	}
	s := &Store{dir: dir, seen: make(map[string]bool)}
	for _, e := range entries {
		if e.IsDir() {
			s.seen[e.Name()] = true
		}
	}
	return s, nil
}

// Dir is the root directory of the store.
func (s *Store) Dir() string { return s.dir }

// Len is the number of known findings, including preloaded ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Record writes f unless a finding with the same signature exists. It returns
// the artifact directory and whether anything was written.
func (s *Store) Record(f Finding) (string, bool, error) {
	name := DirName(f.Dimension, Signature(f.Workload.Kinds(), f.Dimension))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[name] {
		return "", false, nil
	}
	dir := filepath.Join(s.dir, name)
	if err := Write(dir, f); err != nil {
		return "", false, err
	}
	s.seen[name] = true
	return dir, true, nil
}

// Write stores the artifacts of f in dir, replacing existing files.
func Write(dir string, f Finding) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "findings: create artifact dir")
	}
	wl, err := json.MarshalIndent(f.Workload, "", "  ")
	if err != nil {
		return errors.Wrap(err, "findings: encode workload")
	}
	program, err := encoding.EncodeC(f.Workload)
	if err != nil {
		return errors.Wrap(err, "findings: encode program")
	}
	diffs := f.Diffs
	if diffs == nil {
		diffs = []oracle.Diff{}
	}
	diff, err := json.MarshalIndent(diffs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "findings: encode diff")
	}
	files := map[string][]byte{
		WorkloadFile:      wl,
		encoding.TestFile: program,
		DiffFile:          diff,
		ReasonFile:        []byte(reason(f)),
	}
	for fs, trace := range f.Traces {
		files["trace-"+fs+".csv"] = trace
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return errors.Wrapf(err, "findings: write %s", name)
		}
	}
	return nil
}

func reason(f Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", f.Dimension)
	fmt.Fprintf(&b, "- iteration: %d\n", f.Iteration)
	fmt.Fprintf(&b, "- operations: %d\n", f.Workload.Len())
	dims := make([]string, len(f.Dimensions))
	for i, d := range f.Dimensions {
		dims[i] = string(d)
	}
	sort.Strings(dims)
	fmt.Fprintf(&b, "- dimensions: %s\n", strings.Join(dims, ", "))
	if len(f.Diffs) > 0 {
		b.WriteString("\n## Differences\n\n")
		for _, d := range f.Diffs {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if f.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Note)
	}
	return b.String()
}

// LoadWorkload reads a workload.json artifact and validates it.
func LoadWorkload(path string) (workload.Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workload.Workload{}, errors.Wrap(err, "findings: read workload")
	}
	var w workload.Workload
	if err := json.Unmarshal(data, &w); err != nil {
		return workload.Workload{}, errors.Wrapf(err, "findings: decode %s", path)
	}
	if err := w.Validate(); err != nil {
		return workload.Workload{}, errors.Wrapf(err, "findings: %s", path)
	}
	return w, nil
}

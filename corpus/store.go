package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// SeedsFile is the name of the journal inside the corpus directory.
const SeedsFile = "seeds.jsonl"

// Record is one journal line: either a new seed or an eviction.
type Record struct {
	Seed  *Seed `json:"seed,omitempty"`
	Evict *int  `json:"evict,omitempty"`
}

// Store persists corpus changes.
type Store interface {
	Append(r Record) error
	Load() ([]Record, error)
	Close() error
}

// NopStore discards everything.
type NopStore struct{}

func (NopStore) Append(Record) error { return nil }

func (NopStore) Load() ([]Record, error) { return nil, nil }

func (NopStore) Close() error { return nil }

// FileStore is an append-only JSON lines journal.
type FileStore struct {
	path          string
	saveWorkloads bool

	mu sync.Mutex
	f  *os.File
}

// OpenFileStore opens (creating if needed) the journal under dir. When
// saveWorkloads is false only seed metadata and signatures are written.
func OpenFileStore(dir string, saveWorkloads bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "corpus: create dir")
	}
	p := filepath.Join(dir, SeedsFile)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "corpus: open journal")
	}
	return &FileStore{path: p, saveWorkloads: saveWorkloads, f: f}, nil
}

// Append writes one record and syncs it.
func (s *FileStore) Append(r Record) error {
	if r.Seed != nil && !s.saveWorkloads {
		stripped := *r.Seed
		stripped.Workload.Ops = nil
		r.Seed = &stripped
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "corpus: marshal record")
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(data); err != nil {
		return errors.Wrap(err, "corpus: write record")
	}
	return s.f.Sync()
}

// Load reads every complete record. A truncated final line, left by a crash
// during Append, is ignored.
func (s *FileStore) Load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "corpus: read journal")
	}
	var out []Record
	r := bufio.NewReader(bytes.NewReader(data))
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// The last line has no terminator: it was never fully written.
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "corpus: read journal")
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrapf(err, "corpus: %s line %d", s.path, lineNo)
		}
		out = append(out, rec)
	}
}

// Close closes the journal.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Package feedback holds the coverage signal used to steer the fuzzer.
package feedback

import (
	"sort"
	"sync"
)

// Signature is the set of kernel code addresses hit by one execution.
type Signature map[uint64]struct{}

// NewSignature builds a signature from addresses.
func NewSignature(addrs ...uint64) Signature {
	s := make(Signature, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// Len is the number of distinct addresses.
func (s Signature) Len() int { return len(s) }

// Merge adds every address of other to s.
func (s Signature) Merge(other Signature) {
	for a := range other {
		s[a] = struct{}{}
	}
}

// Sorted returns the addresses in ascending order.
func (s Signature) Sorted() []uint64 {
	out := make([]uint64, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CoverageMap is the cumulative coverage of a campaign. It only grows.
// Methods are safe for concurrent use, but callers that need novelty and
// insertion to be one step must serialize Update themselves.
type CoverageMap struct {
	mu   sync.RWMutex
	seen map[uint64]struct{}
}

// NewCoverageMap returns an empty map.
func NewCoverageMap() *CoverageMap {
	return &CoverageMap{seen: make(map[uint64]struct{})}
}

// Diff returns the addresses of sig not yet in the map.
func (m *CoverageMap) Diff(sig Signature) Signature {
	m.mu.RLock()
	defer m.mu.RUnlock()
	novel := make(Signature)
	for a := range sig {
		if _, ok := m.seen[a]; !ok {
			novel[a] = struct{}{}
		}
	}
	return novel
}

// Update merges sig and returns the addresses that were new.
func (m *CoverageMap) Update(sig Signature) Signature {
	m.mu.Lock()
	defer m.mu.Unlock()
	novel := make(Signature)
	for a := range sig {
		if _, ok := m.seen[a]; !ok {
			m.seen[a] = struct{}{}
			novel[a] = struct{}{}
		}
	}
	return novel
}

// Len is the number of covered addresses.
func (m *CoverageMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

// RuntimeSignature summarizes the per-operation outcomes of one trace.
type RuntimeSignature struct {
	Succeeded int // operations that returned without errno
	Failed    int // operations that reported an errno
	// Errnos counts failures by errno name (e.g. "ENOENT").
	Errnos map[string]int
}

// NewRuntimeSignature initializes a RuntimeSignature with a non-nil Errnos map.
func NewRuntimeSignature() RuntimeSignature {
	return RuntimeSignature{
		Errnos: make(map[string]int),
	}
}

// Package mutator derives new workloads from corpus seeds.
package mutator

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"alma.local/fsfuzz/generator"
	"alma.local/fsfuzz/internal/weighted"
	"alma.local/fsfuzz/workload"
)

// Kind is a mutation pass.
type Kind string

const (
	Insert Kind = "INSERT"
	Remove Kind = "REMOVE"
)

// ParseKind accepts a mutation name in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case Insert, Remove:
		return k, nil
	}
	return "", errors.Errorf("unknown mutation kind %q", s)
}

// Mutator applies a random number of INSERT/REMOVE passes to a copy of the
// input workload.
type Mutator struct {
	gen          *generator.Generator
	mutations    *weighted.Table[Kind]
	maxMutations int
}

// New returns a mutator drawing operations from gen.
func New(gen *generator.Generator, mutations *weighted.Table[Kind], maxMutations int) *Mutator {
	if maxMutations < 1 {
		maxMutations = 1
	}
	return &Mutator{gen: gen, mutations: mutations, maxMutations: maxMutations}
}

// Mutate returns a mutated copy of w.
func (m *Mutator) Mutate(rng *rand.Rand, w workload.Workload) workload.Workload {
	out := w.Clone()
	passes := 1 + rng.Intn(m.maxMutations)
	for i := 0; i < passes; i++ {
		switch m.mutations.Choose(rng) {
		case Insert:
			out = m.insert(rng, out)
		case Remove:
			out = remove(rng, out)
		}
	}
	return out
}

func (m *Mutator) insert(rng *rand.Rand, w workload.Workload) workload.Workload {
	if w.Len() >= m.gen.MaxLength() {
		return w
	}
	at := rng.Intn(w.Len() + 1)
	st := workload.Replay(w.Seq, w.Ops[:at])
	op := m.gen.Next(rng, st)
	ops := make([]workload.Operation, 0, w.Len()+1)
	ops = append(ops, w.Ops[:at]...)
	ops = append(ops, op)
	ops = append(ops, w.Ops[at:]...)
	return workload.Workload{Ops: ops, Seq: st.Seq()}
}

func remove(rng *rand.Rand, w workload.Workload) workload.Workload {
	if w.Len() <= 1 {
		return w
	}
	return workload.RemoveAt(w, rng.Intn(w.Len()))
}

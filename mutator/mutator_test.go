package mutator

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alma.local/fsfuzz/generator"
	"alma.local/fsfuzz/internal/weighted"
	"alma.local/fsfuzz/workload"
)

func newMutator(maxLen, maxMut int, mutations map[Kind]int) (*generator.Generator, *Mutator) {
	ops := make(map[workload.Kind]int)
	for _, k := range workload.AllKinds {
		ops[k] = 100
	}
	g := generator.New(weighted.MustNew(ops), maxLen)
	return g, New(g, weighted.MustNew(mutations), maxMut)
}

func TestMutateKeepsInvariant(t *testing.T) {
	g, m := newMutator(40, 5, map[Kind]int{Insert: 100, Remove: 100})
	for seed := int64(0); seed < 100; seed++ {
		rng := rand.New(rand.NewSource(seed))
		w := g.Generate(rng, 20)
		for round := 0; round < 20; round++ {
			w = m.Mutate(rng, w)
			if err := w.Validate(); err != nil {
				t.Fatalf("seed %d round %d: %v", seed, round, err)
			}
			if w.Len() > 40 {
				t.Fatalf("seed %d round %d: Expected at most 40 ops, got %d", seed, round, w.Len())
			}
		}
	}
}

func TestMutateDoesNotModifyInput(t *testing.T) {
	g, m := newMutator(30, 8, map[Kind]int{Insert: 50, Remove: 50})
	rng := rand.New(rand.NewSource(5))
	w := g.Generate(rng, 15)
	before := w.Clone()
	for i := 0; i < 50; i++ {
		m.Mutate(rng, w)
	}
	if diff := cmp.Diff(before, w); diff != "" {
		t.Errorf("input changed (-before +after):\n%s", diff)
	}
}

func TestInsertOnlyGrowthBound(t *testing.T) {
	g, m := newMutator(100, 3, map[Kind]int{Insert: 1})
	rng := rand.New(rand.NewSource(11))
	w := g.Generate(rng, 10)
	out := m.Mutate(rng, w)
	if out.Len() < w.Len()+1 || out.Len() > w.Len()+3 {
		t.Errorf("Expected between %d and %d ops, got %d", w.Len()+1, w.Len()+3, out.Len())
	}
}

func TestInsertAtMaxIsNoop(t *testing.T) {
	g, m := newMutator(5, 4, map[Kind]int{Insert: 1})
	rng := rand.New(rand.NewSource(2))
	w := g.Generate(rng, 5)
	if diff := cmp.Diff(w, m.Mutate(rng, w)); diff != "" {
		t.Errorf("Expected unchanged workload at max length:\n%s", diff)
	}
}

func TestRemoveOnTinyWorkloadIsNoop(t *testing.T) {
	g, m := newMutator(5, 4, map[Kind]int{Remove: 1})
	rng := rand.New(rand.NewSource(4))
	for _, n := range []int{0, 1} {
		w := g.Generate(rng, n)
		if got := m.Mutate(rng, w); got.Len() != n {
			t.Errorf("Expected %d ops, got %d", n, got.Len())
		}
	}
}

func TestInsertedIDsAreFresh(t *testing.T) {
	g, m := newMutator(60, 10, map[Kind]int{Insert: 1})
	rng := rand.New(rand.NewSource(8))
	w := g.Generate(rng, 10)
	out := m.Mutate(rng, w)
	if out.Seq < w.Seq {
		t.Errorf("Expected seq to grow, got %d < %d", out.Seq, w.Seq)
	}
	seen := map[int]bool{}
	for _, op := range out.Ops {
		if r, _, ok := op.Introduces(); ok {
			if seen[int(r)] {
				t.Errorf("id %d introduced twice", r)
			}
			seen[int(r)] = true
		}
		if op.OpensHandle() {
			if seen[int(op.Handle)] {
				t.Errorf("id %d introduced twice", op.Handle)
			}
			seen[int(op.Handle)] = true
		}
	}
}

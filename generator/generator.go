// Package generator builds random, well-formed workloads.
package generator

import (
	"math/rand"
	"strconv"

	"alma.local/fsfuzz/internal/weighted"
	"alma.local/fsfuzz/workload"
)

const (
	// MaxOffset bounds WRITE source offsets (exclusive).
	MaxOffset = 4096
	// MaxSize bounds WRITE and READ sizes (inclusive).
	MaxSize = 4096
)

// Generator draws operation kinds from a weight table and fills in operands
// from the live part of the namespace.
type Generator struct {
	ops       *weighted.Table[workload.Kind]
	maxLength int
}

// New returns a generator; maxLength caps every generated workload.
func New(ops *weighted.Table[workload.Kind], maxLength int) *Generator {
	return &Generator{ops: ops, maxLength: maxLength}
}

// MaxLength is the configured workload length cap.
func (g *Generator) MaxLength() int { return g.maxLength }

// Generate builds a workload of min(length, max) operations.
func (g *Generator) Generate(rng *rand.Rand, length int) workload.Workload {
	if length > g.maxLength {
		length = g.maxLength
	}
	if length < 0 {
		length = 0
	}
	st := workload.NewState(0)
	ops := make([]workload.Operation, 0, length)
	for i := 0; i < length; i++ {
		op := g.Next(rng, st)
		st.Apply(op)
		ops = append(ops, op)
	}
	return workload.Workload{Ops: ops, Seq: st.Seq()}
}

// Next synthesizes one operation that is valid after the history summarized
// by st. Kinds that cannot be satisfied are excluded and the kind is redrawn;
// when nothing else works a CREATE under the root is returned. Fresh IDs are
// allocated from st, but st is not otherwise updated.
func (g *Generator) Next(rng *rand.Rand, st *workload.State) workload.Operation {
	rejected := map[workload.Kind]bool{}
	allow := func(k workload.Kind) bool { return !rejected[k] }
	for attempt := 0; attempt < len(workload.AllKinds); attempt++ {
		kind, ok := g.ops.ChooseAllowed(rng, allow)
		if !ok {
			break
		}
		if op, ok := Synthesize(rng, st, kind); ok {
			return op
		}
		rejected[kind] = true
	}
	op, _ := Synthesize(rng, st, workload.Create)
	return op
}

// Satisfiable reports whether kind has operands in st.
func Satisfiable(st *workload.State, kind workload.Kind) bool {
	switch kind {
	case workload.Create, workload.MkDir:
		return true
	case workload.Remove, workload.Symlink:
		return len(st.LiveEntries()) > 0
	case workload.Rename:
		_, ok := renameTargets(st)
		return ok
	case workload.Open, workload.Hardlink:
		return len(st.LiveFiles()) > 0
	case workload.Close, workload.Write, workload.Read, workload.FSync:
		return len(st.OpenHandles()) > 0
	}
	return false
}

func renameTargets(st *workload.State) (map[workload.Ref][]workload.Ref, bool) {
	dirs := st.LiveDirs()
	out := make(map[workload.Ref][]workload.Ref)
	for _, t := range st.LiveEntries() {
		for _, d := range dirs {
			if !st.IsWithin(d, t) {
				out[t] = append(out[t], d)
			}
		}
	}
	return out, len(out) > 0
}

// Synthesize builds an operation of the given kind with operands picked from
// st, or reports false if the kind is not satisfiable.
func Synthesize(rng *rand.Rand, st *workload.State, kind workload.Kind) (workload.Operation, bool) {
	if !Satisfiable(st, kind) {
		return workload.Operation{}, false
	}
	op := workload.Operation{Kind: kind}
	switch kind {
	case workload.Create, workload.MkDir:
		op.Parent = pick(rng, st.LiveDirs())
		op.Entry = workload.Ref(st.Fresh())
		op.Name = strconv.Itoa(int(op.Entry))
		op.Mode = workload.Modes[rng.Intn(len(workload.Modes))]
	case workload.Remove:
		op.Target = pick(rng, st.LiveEntries())
	case workload.Hardlink:
		op.Target = pick(rng, st.LiveFiles())
		op.Parent = pick(rng, st.LiveDirs())
		op.Entry = workload.Ref(st.Fresh())
		op.Name = strconv.Itoa(int(op.Entry))
	case workload.Symlink:
		op.Target = pick(rng, st.LiveEntries())
		op.Parent = pick(rng, st.LiveDirs())
		op.Entry = workload.Ref(st.Fresh())
		op.Name = strconv.Itoa(int(op.Entry))
	case workload.Rename:
		targets, _ := renameTargets(st)
		keys := st.LiveEntries()
		var candidates []workload.Ref
		for _, k := range keys {
			if len(targets[k]) > 0 {
				candidates = append(candidates, k)
			}
		}
		op.Target = pick(rng, candidates)
		op.Parent = pick(rng, targets[op.Target])
		op.Name = strconv.Itoa(st.Fresh())
	case workload.Open:
		op.Target = pick(rng, st.LiveFiles())
		op.Handle = workload.Handle(st.Fresh())
	case workload.Close, workload.FSync:
		op.Handle = pick(rng, st.OpenHandles())
	case workload.Write:
		op.Handle = pick(rng, st.OpenHandles())
		op.Offset = uint32(rng.Intn(MaxOffset))
		op.Size = uint32(1 + rng.Intn(MaxSize))
	case workload.Read:
		op.Handle = pick(rng, st.OpenHandles())
		op.Size = uint32(1 + rng.Intn(MaxSize))
	}
	return op, true
}

func pick[T any](rng *rand.Rand, xs []T) T {
	return xs[rng.Intn(len(xs))]
}

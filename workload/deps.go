package workload

import "sort"

// Dependencies records, for every operation, which later operations use
// something it introduced.
type Dependencies struct {
	dependents [][]int
}

// BuildDependencies indexes the introducer of every Ref and Handle.
func BuildDependencies(ops []Operation) Dependencies {
	refs := make(map[Ref]int)
	handles := make(map[Handle]int)
	d := Dependencies{dependents: make([][]int, len(ops))}
	add := func(from, to int) {
		deps := d.dependents[from]
		if len(deps) > 0 && deps[len(deps)-1] == to {
			return
		}
		d.dependents[from] = append(deps, to)
	}
	for i, op := range ops {
		for _, r := range op.Refs() {
			if j, ok := refs[r]; ok {
				add(j, i)
			}
		}
		if op.UsesHandle() {
			if j, ok := handles[op.Handle]; ok {
				add(j, i)
			}
		}
		if r, _, ok := op.Introduces(); ok {
			refs[r] = i
		}
		if op.OpensHandle() {
			handles[op.Handle] = i
		}
	}
	return d
}

// Dependents returns the operations directly using what op i introduced.
func (d Dependencies) Dependents(i int) []int {
	return d.dependents[i]
}

// Closure returns i together with all its transitive dependents, ascending.
func (d Dependencies) Closure(i int) []int {
	seen := map[int]bool{i: true}
	stack := []int{i}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range d.dependents[cur] {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// RemoveAt deletes operation i and every operation that transitively depends
// on it. The input is left untouched.
func RemoveAt(w Workload, i int) Workload {
	if i < 0 || i >= len(w.Ops) {
		return w.Clone()
	}
	drop := BuildDependencies(w.Ops).Closure(i)
	out := Workload{Ops: make([]Operation, 0, len(w.Ops)-len(drop)), Seq: w.Seq}
	next := 0
	for idx, op := range w.Ops {
		if next < len(drop) && drop[next] == idx {
			next++
			continue
		}
		out.Ops = append(out.Ops, op)
	}
	return out
}

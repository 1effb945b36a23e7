// Package weighted implements deterministic weighted choice over string-like tags.
package weighted

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrAllZero is returned when every weight of a table is zero.
	ErrAllZero = errors.New("weighted: all weights are zero")
	// ErrNegativeWeight is returned for weights below zero.
	ErrNegativeWeight = errors.New("weighted: negative weight")
	// ErrEmpty is returned for tables without any tag.
	ErrEmpty = errors.New("weighted: empty table")
)

// Entry is a single tag with its weight.
type Entry[K ~string] struct {
	Tag    K
	Weight int
}

// Table maps tags to non-negative weights. Tags are kept sorted so that the
// same rng stream always yields the same choices.
type Table[K ~string] struct {
	entries []Entry[K]
	total   int
}

// New builds a table from a weight map.
func New[K ~string](weights map[K]int) (*Table[K], error) {
	if len(weights) == 0 {
		return nil, ErrEmpty
	}
	t := &Table[K]{entries: make([]Entry[K], 0, len(weights))}
	for tag, w := range weights {
		if w < 0 {
			return nil, errors.Wrapf(ErrNegativeWeight, "%s=%d", tag, w)
		}
		t.entries = append(t.entries, Entry[K]{Tag: tag, Weight: w})
		t.total += w
	}
	if t.total == 0 {
		return nil, ErrAllZero
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Tag < t.entries[j].Tag })
	return t, nil
}

// MustNew is New for static tables; it panics on error.
func MustNew[K ~string](weights map[K]int) *Table[K] {
	t, err := New(weights)
	if err != nil {
		panic(err)
	}
	return t
}

// Entries returns the tags in iteration order.
func (t *Table[K]) Entries() []Entry[K] {
	out := make([]Entry[K], len(t.entries))
	copy(out, t.entries)
	return out
}

// Weight returns the weight of tag, zero if absent.
func (t *Table[K]) Weight(tag K) int {
	for _, e := range t.entries {
		if e.Tag == tag {
			return e.Weight
		}
	}
	return 0
}

// Choose draws a tag with probability proportional to its weight.
func (t *Table[K]) Choose(rng *rand.Rand) K {
	k, _ := t.ChooseAllowed(rng, nil)
	return k
}

// ChooseAllowed draws among the tags accepted by allow (all tags when allow is
// nil). It reports false when no allowed tag has a positive weight.
// Zero-weight tags are never returned.
func (t *Table[K]) ChooseAllowed(rng *rand.Rand, allow func(K) bool) (K, bool) {
	total := 0
	for _, e := range t.entries {
		if allow == nil || allow(e.Tag) {
			total += e.Weight
		}
	}
	var zero K
	if total == 0 {
		return zero, false
	}
	r := rng.Intn(total)
	for _, e := range t.entries {
		if e.Weight == 0 || (allow != nil && !allow(e.Tag)) {
			continue
		}
		if r < e.Weight {
			return e.Tag, true
		}
		r -= e.Weight
	}
	return zero, false
}

package weighted

import (
	"errors"
	"math/rand"
	"testing"
)

type tag string

func TestNewRejectsBadTables(t *testing.T) {
	if _, err := New(map[tag]int{"a": 0, "b": 0}); !errors.Is(err, ErrAllZero) {
		t.Errorf("Expected ErrAllZero, got %v", err)
	}
	if _, err := New(map[tag]int{"a": 10, "b": -1}); !errors.Is(err, ErrNegativeWeight) {
		t.Errorf("Expected ErrNegativeWeight, got %v", err)
	}
	if _, err := New(map[tag]int{}); !errors.Is(err, ErrEmpty) {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}

func TestZeroWeightNeverChosen(t *testing.T) {
	table := MustNew(map[tag]int{"A": 100, "B": 0})
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		if got := table.Choose(rng); got != "A" {
			t.Fatalf("Expected A on draw %d, got %s", i, got)
		}
	}
}

func TestChooseAllowed(t *testing.T) {
	table := MustNew(map[tag]int{"A": 5, "B": 5, "C": 0})
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		got, ok := table.ChooseAllowed(rng, func(k tag) bool { return k != "A" })
		if !ok || got != "B" {
			t.Fatalf("Expected B, got %s (ok=%v)", got, ok)
		}
	}
	if _, ok := table.ChooseAllowed(rng, func(k tag) bool { return k == "C" }); ok {
		t.Errorf("Expected no choice when only zero-weight tags are allowed")
	}
}

func TestChooseDeterministic(t *testing.T) {
	table := MustNew(map[tag]int{"x": 1, "y": 2, "z": 3})
	a := rand.New(rand.NewSource(42))
	b := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		if x, y := table.Choose(a), table.Choose(b); x != y {
			t.Fatalf("Expected identical draws for identical seeds, got %s and %s", x, y)
		}
	}
}

func TestChooseDistribution(t *testing.T) {
	table := MustNew(map[tag]int{"a": 1, "b": 3})
	rng := rand.New(rand.NewSource(3))
	counts := map[tag]int{}
	for i := 0; i < 40000; i++ {
		counts[table.Choose(rng)]++
	}
	ratio := float64(counts["b"]) / float64(counts["a"])
	if ratio < 2.7 || ratio > 3.3 {
		t.Errorf("Expected b/a ratio near 3, got %.2f", ratio)
	}
}

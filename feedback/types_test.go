package feedback

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUpdateIsIdempotent(t *testing.T) {
	m := NewCoverageMap()
	sig := NewSignature(0x10, 0x20, 0x30)
	if got := m.Update(sig).Len(); got != 3 {
		t.Errorf("Expected 3 new addresses, got %d", got)
	}
	if got := m.Update(sig).Len(); got != 0 {
		t.Errorf("Expected no new addresses on second update, got %d", got)
	}
	if m.Len() != 3 {
		t.Errorf("Expected 3 covered addresses, got %d", m.Len())
	}
}

func TestDiffDoesNotMerge(t *testing.T) {
	m := NewCoverageMap()
	m.Update(NewSignature(1, 2))
	novel := m.Diff(NewSignature(2, 3))
	if diff := cmp.Diff([]uint64{3}, novel.Sorted()); diff != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", diff)
	}
	if m.Len() != 2 {
		t.Errorf("Expected Diff to leave the map unchanged, got %d addresses", m.Len())
	}
}

func TestSignatureMerge(t *testing.T) {
	s := NewSignature(5)
	s.Merge(NewSignature(1, 5))
	if diff := cmp.Diff([]uint64{1, 5}, s.Sorted()); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

package fuzzer

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alma.local/fsfuzz/oracle"
	"alma.local/fsfuzz/workload"
)

func writeWorkload() workload.Workload {
	return workload.Workload{Seq: 4, Ops: []workload.Operation{
		{Kind: workload.MkDir, Parent: workload.Root, Entry: 1, Name: "1", Mode: workload.SIRWXU},
		{Kind: workload.Create, Parent: 1, Entry: 2, Name: "2", Mode: workload.SIRWXU},
		{Kind: workload.Open, Target: 2, Handle: 3},
		{Kind: workload.Write, Handle: 3, Offset: 0, Size: 100},
		{Kind: workload.Close, Handle: 3},
		{Kind: workload.MkDir, Parent: workload.Root, Entry: 4, Name: "4", Mode: workload.SIRWXU},
	}}
}

func sizeOnWrite(w workload.Workload) []oracle.Dimension {
	if hasKind(w, workload.Write) {
		return []oracle.Dimension{oracle.Size}
	}
	return nil
}

func TestReduceKeepsDivergence(t *testing.T) {
	f := &mockFuzzer{diverge: sizeOnWrite}
	red, err := Reduce(context.Background(), f, writeWorkload(), "", quietLog())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if red.Dimension != oracle.Size {
		t.Errorf("Expected size dimension, got %s", red.Dimension)
	}
	want := []workload.Kind{workload.MkDir, workload.Create, workload.Open, workload.Write}
	if diff := cmp.Diff(want, red.Workload.Kinds()); diff != "" {
		t.Errorf("Unexpected reduced workload (-want +got):\n%s", diff)
	}
	if err := red.Workload.Validate(); err != nil {
		t.Errorf("Expected valid reduced workload, got %v", err)
	}
	if !red.Report.Diverges(oracle.Size) {
		t.Error("Expected final report to diverge")
	}
	if red.Executions != f.Calls() {
		t.Errorf("Expected %d executions, got %d", f.Calls(), red.Executions)
	}
}

func TestReduceNotReproducible(t *testing.T) {
	f := &mockFuzzer{}
	if _, err := Reduce(context.Background(), f, writeWorkload(), "", quietLog()); !errors.Is(err, ErrNotReproducible) {
		t.Errorf("Expected ErrNotReproducible, got %v", err)
	}
	f = &mockFuzzer{diverge: sizeOnWrite}
	if _, err := Reduce(context.Background(), f, writeWorkload(), oracle.Mode, quietLog()); !errors.Is(err, ErrNotReproducible) {
		t.Errorf("Expected ErrNotReproducible for mode, got %v", err)
	}
}

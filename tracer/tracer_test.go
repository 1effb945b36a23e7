package tracer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"alma.local/fsfuzz/orchestrator"
)

const sampleTrace = `Index,Command,ReturnCode,Errno
   1,       MKDIR,       0,Success(0)
   2,      CREATE,       3,Success(0)
   3,      UNLINK,      -1,No such file or directory(2)
`

func TestParseTrace(t *testing.T) {
	tr, err := ParseTrace([]byte(sampleTrace))
	if err != nil {
		t.Fatal(err)
	}
	want := []Row{
		{Index: 1, Command: "MKDIR", ReturnCode: 0, Errno: 0, ErrnoText: "Success"},
		{Index: 2, Command: "CREATE", ReturnCode: 3, Errno: 0, ErrnoText: "Success"},
		{Index: 3, Command: "UNLINK", ReturnCode: -1, Errno: 2, ErrnoText: "No such file or directory"},
	}
	if diff := cmp.Diff(want, tr.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if tr.Truncated {
		t.Errorf("Expected complete trace")
	}
}

func TestParseTraceHeaderOnly(t *testing.T) {
	tr, err := ParseTrace([]byte(TraceHeader + "\n"))
	if err != nil || len(tr.Rows) != 0 {
		t.Errorf("Expected empty trace, got %+v (%v)", tr, err)
	}
}

func TestParseTraceEmpty(t *testing.T) {
	if _, err := ParseTrace(nil); !errors.Is(err, ErrEmptyTrace) {
		t.Errorf("Expected ErrEmptyTrace, got %v", err)
	}
}

func TestParseTraceTruncated(t *testing.T) {
	cases := []string{
		sampleTrace + "   4,      RENAME,      -1,No such fi",
		sampleTrace + "   4,      REN",
		sampleTrace[:len(sampleTrace)-1],
	}
	for i, in := range cases {
		tr, err := ParseTrace([]byte(in))
		if err != nil {
			t.Errorf("case %d: Expected truncation to be tolerated, got %v", i, err)
			continue
		}
		if !tr.Truncated {
			t.Errorf("case %d: Expected Truncated", i)
		}
	}
	tr, _ := ParseTrace([]byte("Index,Comm"))
	if !tr.Truncated || len(tr.Rows) != 0 {
		t.Errorf("Expected truncated header, got %+v", tr)
	}
}

func TestParseTraceMalformed(t *testing.T) {
	if _, err := ParseTrace([]byte(TraceHeader + "\n1,MKDIR,0\n2,CREATE,0,Success(0)\n")); err == nil {
		t.Errorf("Expected error for a complete line with 3 columns")
	}
	if _, err := ParseTrace([]byte("garbage\n")); !errors.Is(err, ErrBadHeader) {
		t.Errorf("Expected ErrBadHeader, got %v", err)
	}
}

func TestParseTraceSentinel(t *testing.T) {
	tr, err := ParseTrace([]byte(TraceHeader + "\n#SETUP-FAILURE: kcov unavailable\n"))
	if err != nil {
		t.Fatal(err)
	}
	if tr.SetupFailure != "kcov unavailable" {
		t.Errorf("Expected sentinel message, got %q", tr.SetupFailure)
	}
}

func TestAlign(t *testing.T) {
	tr, _ := ParseTrace([]byte(sampleTrace))
	got := tr.Align(5)
	want := []Status{Succeeded, Succeeded, Failed, NotExecuted, NotExecuted}
	for i, a := range got {
		if a.Status != want[i] {
			t.Errorf("op %d: Expected status %d, got %d", i, want[i], a.Status)
		}
	}
}

func TestParseCoverageText(t *testing.T) {
	out := ":: getting kcov coverage\n0xffffffff81000010\n0xffffffff81000020\n:: free kcov resources\n0xzz\n"
	want := []uint64{0xffffffff81000010, 0xffffffff81000020}
	if diff := cmp.Diff(want, ParseCoverageText([]byte(out))); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}
}

func rawDump(count uint64, pcs ...uint64) []byte {
	buf := make([]byte, 8*(len(pcs)+1))
	binary.LittleEndian.PutUint64(buf, count)
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], pc)
	}
	return buf
}

func TestParseCoverageRaw(t *testing.T) {
	if diff := cmp.Diff([]uint64{7, 8}, ParseCoverageRaw(rawDump(2, 7, 8, 9))); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}
	// The count claims more PCs than were dumped.
	if diff := cmp.Diff([]uint64{7}, ParseCoverageRaw(rawDump(5, 7))); diff != "" {
		t.Errorf("truncated coverage mismatch (-want +got):\n%s", diff)
	}
	if got := ParseCoverageRaw([]byte{1, 2}); len(got) != 0 {
		t.Errorf("Expected no PCs from a short dump, got %v", got)
	}
}

func TestErrnoName(t *testing.T) {
	if got := (Row{Errno: 2}).ErrnoName(); got != "ENOENT" {
		t.Errorf("Expected ENOENT, got %s", got)
	}
}

func TestSetupFailure(t *testing.T) {
	bad := orchestrator.TargetOutput{Stderr: []byte("executor.cpp:96: [ERROR] failed to setup trace mode (ioctl)\n"), Trace: []byte(TraceHeader + "\n")}
	if err := SetupFailure(bad); !errors.Is(err, ErrSetupFailure) {
		t.Errorf("Expected ErrSetupFailure, got %v", err)
	}
	if err := SetupFailure(orchestrator.TargetOutput{TraceMissing: true}); !errors.Is(err, ErrSetupFailure) {
		t.Errorf("Expected ErrSetupFailure for missing trace, got %v", err)
	}
	ok := orchestrator.TargetOutput{Stderr: []byte("[WARNING] MKDIR('/1') FAILED (File exists)\n"), Trace: []byte(sampleTrace)}
	if err := SetupFailure(ok); err != nil {
		t.Errorf("Expected no setup failure, got %v", err)
	}
}

func TestIngest(t *testing.T) {
	exec := &orchestrator.Execution{
		Outcome: orchestrator.OutcomeCompleted,
		Outputs: []orchestrator.TargetOutput{
			{FS: "ext4", Trace: []byte(sampleTrace), Coverage: []byte("0x10\n0x20\n")},
			{FS: "btrfs", Trace: []byte(sampleTrace), Coverage: rawDump(2, 0x20, 0x30), CoverageFormat: orchestrator.CoverageRaw},
		},
	}
	res, err := Ingest(exec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != orchestrator.OutcomeCompleted {
		t.Errorf("Expected completed, got %s", res.Outcome)
	}
	if diff := cmp.Diff([]uint64{0x10, 0x20, 0x30}, res.Signature.Sorted()); diff != "" {
		t.Errorf("union signature mismatch (-want +got):\n%s", diff)
	}
	ext4 := res.Target("ext4")
	if ext4.Runtime.Succeeded != 2 || ext4.Runtime.Failed != 1 || ext4.Runtime.Errnos["ENOENT"] != 1 {
		t.Errorf("Unexpected runtime signature %+v", ext4.Runtime)
	}
}

func TestIngestReclassifiesSetupFailure(t *testing.T) {
	exec := &orchestrator.Execution{
		Outcome: orchestrator.OutcomeCompleted,
		Outputs: []orchestrator.TargetOutput{{FS: "ext4", TraceMissing: true}},
	}
	res, err := Ingest(exec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != orchestrator.OutcomeInfraFailure {
		t.Errorf("Expected infrastructure failure, got %s", res.Outcome)
	}
}

func TestIngestHungHasNoCoverage(t *testing.T) {
	exec := &orchestrator.Execution{
		Outcome: orchestrator.OutcomeHung,
		Outputs: []orchestrator.TargetOutput{{FS: "ext4", Coverage: []byte("0x1\n")}},
	}
	res, _ := Ingest(exec)
	if res.Signature.Len() != 0 {
		t.Errorf("Expected no coverage from a hung run, got %d", res.Signature.Len())
	}
}

// The executor numbers rows by operation index, so an encoded workload and
// the trace it produces line up one to one.
func TestTraceMatchesWorkloadOrder(t *testing.T) {
	cmds := []string{"MKDIR", "CREATE", "OPEN", "WRITE", "CLOSE"}
	var b strings.Builder
	b.WriteString(TraceHeader + "\n")
	for i, c := range cmds {
		fmt.Fprintf(&b, "%4d,%12s,%8d,%s(%d)\n", i+1, c, 0, "Success", 0)
	}
	tr, err := ParseTrace([]byte(b.String()))
	if err != nil {
		t.Fatal(err)
	}
	aligned := tr.Align(len(cmds))
	for i, a := range aligned {
		if a.Status != Succeeded || a.Row.Command != cmds[i] {
			t.Errorf("op %d: Expected %s succeeded, got %+v", i, cmds[i], a)
		}
	}
}

// Package tracer parses what the executor leaves behind: the per-operation
// trace and the kcov coverage dump.
package tracer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TraceHeader is the first line of every trace.csv.
const TraceHeader = "Index,Command,ReturnCode,Errno"

// SetupFailureSentinel starts a trace line left by an executor that could not
// initialize.
const SetupFailureSentinel = "#SETUP-FAILURE:"

var (
	// ErrEmptyTrace is returned for a trace without any content.
	ErrEmptyTrace = errors.New("tracer: empty trace")
	// ErrBadHeader is returned when the first line is not TraceHeader.
	ErrBadHeader = errors.New("tracer: unexpected trace header")
)

// Row is the outcome of one executed operation.
type Row struct {
	Index      int
	Command    string
	ReturnCode int
	Errno      int
	// ErrnoText is the strerror text printed by the executor.
	ErrnoText string
}

// Failed reports whether the operation set errno.
func (r Row) Failed() bool { return r.Errno != 0 }

// ErrnoName decodes Errno into its symbolic name, e.g. ENOENT.
func (r Row) ErrnoName() string {
	if r.Errno == 0 {
		return ""
	}
	return errnoName(r.Errno)
}

// Trace is the parsed trace.csv of one run.
type Trace struct {
	Rows []Row
	// Truncated is set when the final line was cut short.
	Truncated bool
	// SetupFailure holds the sentinel message, if any.
	SetupFailure string
}

// ParseTrace decodes a trace.csv dump.
func ParseTrace(data []byte) (Trace, error) {
	var tr Trace
	if len(bytes.TrimSpace(data)) == 0 {
		return tr, ErrEmptyTrace
	}
	complete := data[len(data)-1] == '\n'
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	for i, line := range lines {
		last := i == len(lines)-1
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.TrimSpace(line), SetupFailureSentinel) {
			tr.SetupFailure = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), SetupFailureSentinel))
			continue
		}
		if i == 0 {
			if strings.TrimSpace(line) != TraceHeader {
				if last && !complete && strings.HasPrefix(TraceHeader, strings.TrimSpace(line)) {
					tr.Truncated = true
					return tr, nil
				}
				return tr, errors.Wrapf(ErrBadHeader, "%q", line)
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		row, err := parseRow(line)
		if err != nil {
			if last && !complete {
				tr.Truncated = true
				return tr, nil
			}
			return tr, errors.Wrapf(err, "tracer: line %d", i+1)
		}
		if last && !complete {
			// A row without its newline may have been cut short.
			tr.Truncated = true
			return tr, nil
		}
		tr.Rows = append(tr.Rows, row)
	}
	return tr, nil
}

func parseRow(line string) (Row, error) {
	cols := strings.Split(line, ",")
	if len(cols) != 4 {
		return Row{}, errors.Errorf("expected 4 columns, got %d", len(cols))
	}
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	idx, err := strconv.Atoi(cols[0])
	if err != nil {
		return Row{}, errors.Wrap(err, "index")
	}
	ret, err := strconv.Atoi(cols[2])
	if err != nil {
		return Row{}, errors.Wrap(err, "return code")
	}
	errCol := cols[3]
	open := strings.LastIndexByte(errCol, '(')
	if open < 0 || !strings.HasSuffix(errCol, ")") {
		return Row{}, errors.Errorf("malformed errno %q", errCol)
	}
	errno, err := strconv.Atoi(errCol[open+1 : len(errCol)-1])
	if err != nil {
		return Row{}, errors.Wrap(err, "errno")
	}
	return Row{Index: idx, Command: cols[1], ReturnCode: ret, Errno: errno, ErrnoText: errCol[:open]}, nil
}

// Status of an operation after aligning it with the trace.
type Status int

const (
	NotExecuted Status = iota
	Succeeded
	Failed
)

// Aligned is the trace row for one workload operation, if any.
type Aligned struct {
	Status Status
	Row    Row
}

// Align maps rows to the n operations of the workload by their 1-based
// index. Operations without a row are NotExecuted.
func (t Trace) Align(n int) []Aligned {
	out := make([]Aligned, n)
	for _, r := range t.Rows {
		if r.Index < 1 || r.Index > n {
			continue
		}
		st := Succeeded
		if r.Failed() {
			st = Failed
		}
		out[r.Index-1] = Aligned{Status: st, Row: r}
	}
	return out
}

// ParseCoverageText extracts the 0x-prefixed addresses printed by the
// executor; any other line is ignored.
func ParseCoverageText(data []byte) []uint64 {
	var out []uint64
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "0x") {
			continue
		}
		v, err := strconv.ParseUint(line[2:], 16, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ParseCoverageRaw decodes a kcov buffer: word 0 is the number of recorded
// PCs, followed by the PCs. A count beyond the dump is cut to what is present.
func ParseCoverageRaw(data []byte) []uint64 {
	if len(data) < 8 {
		return nil
	}
	n := binary.LittleEndian.Uint64(data)
	avail := uint64(len(data)/8 - 1)
	if n > avail {
		n = avail
	}
	out := make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(data[8*(i+1):])
	}
	return out
}

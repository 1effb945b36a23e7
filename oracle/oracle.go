// Package oracle decides whether target filesystems diverged after running
// the same workload.
package oracle

import (
	"fmt"
	"sort"

	"alma.local/fsfuzz/tracer"
)

// Dimension names one axis of comparison.
type Dimension string

const (
	Entries      Dimension = "entries"
	Size         Dimension = "size"
	FileHardlink Dimension = "file_hardlink"
	DirHardlink  Dimension = "dir_hardlink"
	Mode         Dimension = "mode"
	TraceDim     Dimension = "trace"
	// Panic is not compared but reported when the guest kernel panicked.
	Panic Dimension = "panic"
)

// Options selects the enabled dimensions. Entries is always compared.
type Options struct {
	Size         bool `mapstructure:"size"`
	FileHardlink bool `mapstructure:"file_hardlink"`
	DirHardlink  bool `mapstructure:"dir_hardlink"`
	Mode         bool `mapstructure:"mode"`
	Trace        bool `mapstructure:"trace"`
}

// FileInfo is one entry of the hasher's JSON dump. Attributes the hasher was
// not asked for are absent.
type FileInfo struct {
	Path  string  `json:"path"`
	Kind  string  `json:"kind"`
	Size  *int64  `json:"size,omitempty"`
	Nlink *uint64 `json:"nlink,omitempty"`
	Mode  *uint32 `json:"mode,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (f FileInfo) IsDir() bool { return f.Kind == "dir" }

// Diff is a single divergence between the reference target and another one.
type Diff struct {
	Dimension Dimension `json:"dimension"`
	// Path is set for state diffs; Index for trace diffs.
	Path  string `json:"path,omitempty"`
	Index int    `json:"index,omitempty"`
	Left  string `json:"left_fs"`
	Right string `json:"right_fs"`
	// LeftValue and RightValue are printable, "<missing>" when absent.
	LeftValue  string `json:"left"`
	RightValue string `json:"right"`
}

func (d Diff) String() string {
	where := d.Path
	if d.Dimension == TraceDim {
		where = fmt.Sprintf("#%d", d.Index)
	}
	return fmt.Sprintf("%s %s: %s=%s %s=%s", d.Dimension, where, d.Left, d.LeftValue, d.Right, d.RightValue)
}

// Verdict is the comparison result of one execution.
type Verdict struct {
	Equal bool
	Diffs []Diff
}

// Dimensions returns the diverging dimensions, sorted and unique.
func (v Verdict) Dimensions() []Dimension {
	seen := make(map[Dimension]bool)
	var out []Dimension
	for _, d := range v.Diffs {
		if !seen[d.Dimension] {
			seen[d.Dimension] = true
			out = append(out, d.Dimension)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Target is the state dump plus trace of one filesystem.
type Target struct {
	FS    string
	Files []FileInfo
	Trace tracer.Trace
}

const missing = "<missing>"

// Compare checks every target against the first one.
func Compare(opts Options, targets []Target) Verdict {
	var diffs []Diff
	for i := 1; i < len(targets); i++ {
		diffs = append(diffs, compareFiles(opts, targets[0], targets[i])...)
		if opts.Trace {
			diffs = append(diffs, CompareTraces(targets[0].FS, targets[0].Trace, targets[i].FS, targets[i].Trace)...)
		}
	}
	return Verdict{Equal: len(diffs) == 0, Diffs: diffs}
}

func byPath(files []FileInfo) map[string]FileInfo {
	m := make(map[string]FileInfo, len(files))
	for _, f := range files {
		m[f.Path] = f
	}
	return m
}

func compareFiles(opts Options, left, right Target) []Diff {
	lm := byPath(left.Files)
	rm := byPath(right.Files)
	paths := make([]string, 0, len(lm)+len(rm))
	for p := range lm {
		paths = append(paths, p)
	}
	for p := range rm {
		if _, ok := lm[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var diffs []Diff
	add := func(dim Dimension, path, l, r string) {
		diffs = append(diffs, Diff{Dimension: dim, Path: path, Left: left.FS, Right: right.FS, LeftValue: l, RightValue: r})
	}
	for _, p := range paths {
		l, lok := lm[p]
		r, rok := rm[p]
		if !lok || !rok {
			lv, rv := missing, missing
			if lok {
				lv = l.Kind
			}
			if rok {
				rv = r.Kind
			}
			add(Entries, p, lv, rv)
			continue
		}
		if l.Kind != r.Kind {
			add(Entries, p, l.Kind, r.Kind)
			continue
		}
		if opts.Size && !l.IsDir() && !eqInt64(l.Size, r.Size) {
			add(Size, p, fmtInt64(l.Size), fmtInt64(r.Size))
		}
		if !eqUint64(l.Nlink, r.Nlink) {
			switch {
			case l.IsDir() && opts.DirHardlink:
				add(DirHardlink, p, fmtUint64(l.Nlink), fmtUint64(r.Nlink))
			case !l.IsDir() && opts.FileHardlink:
				add(FileHardlink, p, fmtUint64(l.Nlink), fmtUint64(r.Nlink))
			}
		}
		if opts.Mode && !eqUint32(l.Mode, r.Mode) {
			add(Mode, p, fmtMode(l.Mode), fmtMode(r.Mode))
		}
	}
	return diffs
}

// CompareTraces reports operations whose return code or errno differs,
// and operations that ran on one side only.
func CompareTraces(leftFS string, left tracer.Trace, rightFS string, right tracer.Trace) []Diff {
	lm := make(map[int]tracer.Row, len(left.Rows))
	for _, r := range left.Rows {
		lm[r.Index] = r
	}
	rm := make(map[int]tracer.Row, len(right.Rows))
	idx := make([]int, 0, len(left.Rows))
	for i := range lm {
		idx = append(idx, i)
	}
	for _, r := range right.Rows {
		rm[r.Index] = r
		if _, ok := lm[r.Index]; !ok {
			idx = append(idx, r.Index)
		}
	}
	sort.Ints(idx)

	var diffs []Diff
	for _, i := range idx {
		l, lok := lm[i]
		r, rok := rm[i]
		lv, rv := missing, missing
		if lok {
			lv = fmtRow(l)
		}
		if rok {
			rv = fmtRow(r)
		}
		if lv != rv {
			diffs = append(diffs, Diff{Dimension: TraceDim, Index: i, Left: leftFS, Right: rightFS, LeftValue: lv, RightValue: rv})
		}
	}
	return diffs
}

func fmtRow(r tracer.Row) string {
	if r.Errno == 0 {
		return fmt.Sprintf("%s=%d", r.Command, r.ReturnCode)
	}
	return fmt.Sprintf("%s=%d %s", r.Command, r.ReturnCode, r.ErrnoName())
}

func eqInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqUint64(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqUint32(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func fmtInt64(v *int64) string {
	if v == nil {
		return missing
	}
	return fmt.Sprint(*v)
}

func fmtUint64(v *uint64) string {
	if v == nil {
		return missing
	}
	return fmt.Sprint(*v)
}

func fmtMode(v *uint32) string {
	if v == nil {
		return missing
	}
	return fmt.Sprintf("%#o", *v)
}

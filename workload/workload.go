package workload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Workload is an ordered sequence of operations. Workloads are treated as
// immutable values; helpers that change them return copies.
type Workload struct {
	Ops []Operation `json:"ops"`
	// Seq is the highest ID allocated while building the workload.
	Seq int `json:"seq"`
}

// Len returns the number of operations.
func (w Workload) Len() int { return len(w.Ops) }

// Clone returns a deep copy.
func (w Workload) Clone() Workload {
	ops := make([]Operation, len(w.Ops))
	copy(ops, w.Ops)
	return Workload{Ops: ops, Seq: w.Seq}
}

// Kinds returns the kind of every operation in order.
func (w Workload) Kinds() []Kind {
	out := make([]Kind, len(w.Ops))
	for i, op := range w.Ops {
		out[i] = op.Kind
	}
	return out
}

// Name is a short stable content hash, suitable for directory names.
func (w Workload) Name() string {
	data, err := json.Marshal(w)
	if err != nil {
		// Workload contains only plain values.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// InvariantError describes an operation that refers to an operand which was
// not introduced earlier, or has the wrong type.
type InvariantError struct {
	Index  int
	Kind   Kind
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("workload: operation %d (%s): %s", e.Index, e.Kind, e.Reason)
}

// Validate checks that every operand is introduced before use, operand types
// fit the operation, and no ID is introduced twice.
func (w Workload) Validate() error {
	types := map[Ref]EntryType{Root: Dir}
	handles := map[Handle]bool{}
	for i, op := range w.Ops {
		fail := func(format string, args ...any) error {
			return &InvariantError{Index: i, Kind: op.Kind, Reason: fmt.Sprintf(format, args...)}
		}
		need := func(r Ref, want ...EntryType) error {
			typ, ok := types[r]
			if !ok {
				return fail("ref %d used before introduction", r)
			}
			if len(want) == 0 {
				return nil
			}
			for _, t := range want {
				if typ == t {
					return nil
				}
			}
			return fail("ref %d is a %s, want %s", r, typ, want[0])
		}
		var err error
		switch op.Kind {
		case Create, MkDir:
			err = need(op.Parent, Dir)
		case Remove:
			if op.Target == Root {
				err = fail("cannot remove the workspace root")
			} else {
				err = need(op.Target)
			}
		case Hardlink:
			if err = need(op.Target, File); err == nil {
				err = need(op.Parent, Dir)
			}
		case Symlink:
			if err = need(op.Target); err == nil {
				err = need(op.Parent, Dir)
			}
		case Rename:
			switch {
			case op.Target == Root:
				err = fail("cannot rename the workspace root")
			case op.Name == "":
				err = fail("rename without a destination name")
			default:
				if err = need(op.Target); err == nil {
					err = need(op.Parent, Dir)
				}
			}
		case Open:
			if err = need(op.Target, File); err == nil && handles[op.Handle] {
				err = fail("handle %d opened twice", op.Handle)
			}
			if err == nil && op.Handle <= 0 {
				err = fail("handle %d is not positive", op.Handle)
			}
			handles[op.Handle] = true
		case Close, Write, Read, FSync:
			if !handles[op.Handle] {
				err = fail("handle %d used before introduction", op.Handle)
			}
		default:
			err = fail("unknown kind")
		}
		if err != nil {
			return err
		}
		if ref, typ, ok := op.Introduces(); ok {
			if ref == Root || ref < 0 {
				return fail("invalid new ref %d", ref)
			}
			if _, dup := types[ref]; dup {
				return fail("ref %d introduced twice", ref)
			}
			if op.Name == "" {
				return fail("new entry %d has no name", ref)
			}
			types[ref] = typ
		}
	}
	return nil
}

// MustValidate panics if w violates the operand invariant.
func (w Workload) MustValidate() {
	if err := w.Validate(); err != nil {
		panic(err)
	}
}

// Resolved is an operation with concrete paths, ready for encoding.
type Resolved struct {
	Kind Kind
	// Path is the operand path, or the existing path for HARDLINK, SYMLINK
	// (link target) and RENAME.
	Path string
	// NewPath is the created path of HARDLINK, SYMLINK and RENAME.
	NewPath string
	Handle  Handle
	Mode    Mode
	Offset  uint32
	Size    uint32
}

// Resolve replays the workload over its namespace and returns every
// operation with its paths at the time it runs.
func (w Workload) Resolve() ([]Resolved, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s := NewState(w.Seq)
	out := make([]Resolved, 0, len(w.Ops))
	for _, op := range w.Ops {
		r := Resolved{Kind: op.Kind, Handle: op.Handle, Mode: op.Mode, Offset: op.Offset, Size: op.Size}
		switch op.Kind {
		case Create, MkDir:
			r.Path = s.Child(op.Parent, op.Name)
		case Remove, Open:
			r.Path = s.Path(op.Target)
		case Hardlink, Symlink, Rename:
			r.Path = s.Path(op.Target)
			r.NewPath = s.Child(op.Parent, op.Name)
		}
		out = append(out, r)
		s.Apply(op)
	}
	return out, nil
}

// Handles lists every handle opened by the workload, in order.
func (w Workload) Handles() []Handle {
	var out []Handle
	for _, op := range w.Ops {
		if op.OpensHandle() {
			out = append(out, op.Handle)
		}
	}
	return out
}

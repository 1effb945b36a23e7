// Package workload defines the intermediate representation of a filesystem
// workload: an ordered list of operations over a logical namespace.
package workload

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies a filesystem operation.
type Kind string

const (
	Create   Kind = "CREATE"
	MkDir    Kind = "MKDIR"
	Remove   Kind = "REMOVE"
	Hardlink Kind = "HARDLINK"
	Symlink  Kind = "SYMLINK"
	Rename   Kind = "RENAME"
	Open     Kind = "OPEN"
	Close    Kind = "CLOSE"
	Write    Kind = "WRITE"
	Read     Kind = "READ"
	FSync    Kind = "FSYNC"
)

// AllKinds lists every operation kind.
var AllKinds = []Kind{Create, MkDir, Remove, Hardlink, Symlink, Rename, Open, Close, Write, Read, FSync}

// ParseKind accepts a kind name in any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", errors.Errorf("unknown operation kind %q", s)
}

// Ref names an entry of the workload namespace. Root is the workspace itself.
type Ref int

// Root is the workspace directory; it is always live.
const Root Ref = 0

// Handle names an open file descriptor.
type Handle int

// EntryType is the type of a namespace entry.
type EntryType int

const (
	File EntryType = iota
	Dir
	SymlinkEntry
)

func (t EntryType) String() string {
	switch t {
	case File:
		return "file"
	case Dir:
		return "dir"
	case SymlinkEntry:
		return "symlink"
	}
	return "unknown"
}

// Operation is a single step of a workload. Which operand fields are
// meaningful depends on Kind:
//
//	CREATE, MKDIR  Parent -> Entry, Name, Mode
//	REMOVE         Target
//	HARDLINK       Target (file), Parent -> Entry, Name
//	SYMLINK        Target, Parent -> Entry, Name
//	RENAME         Target, Parent, Name
//	OPEN           Target (file) -> Handle
//	CLOSE, FSYNC   Handle
//	WRITE          Handle, Offset, Size
//	READ           Handle, Size
type Operation struct {
	Kind   Kind   `json:"kind"`
	Target Ref    `json:"target,omitempty"`
	Parent Ref    `json:"parent,omitempty"`
	Entry  Ref    `json:"entry,omitempty"`
	Name   string `json:"name,omitempty"`
	Handle Handle `json:"handle,omitempty"`
	Mode   Mode   `json:"mode,omitempty"`
	Offset uint32 `json:"offset,omitempty"`
	Size   uint32 `json:"size,omitempty"`
}

// Introduces reports the entry an operation adds to the namespace and its type.
func (op Operation) Introduces() (Ref, EntryType, bool) {
	switch op.Kind {
	case Create, Hardlink:
		return op.Entry, File, true
	case MkDir:
		return op.Entry, Dir, true
	case Symlink:
		return op.Entry, SymlinkEntry, true
	}
	return 0, 0, false
}

// Refs returns the namespace entries an operation reads.
func (op Operation) Refs() []Ref {
	switch op.Kind {
	case Create, MkDir:
		return []Ref{op.Parent}
	case Remove, Open:
		return []Ref{op.Target}
	case Hardlink, Symlink, Rename:
		return []Ref{op.Target, op.Parent}
	}
	return nil
}

// OpensHandle reports whether op introduces its Handle.
func (op Operation) OpensHandle() bool { return op.Kind == Open }

// UsesHandle reports whether op refers to an earlier Handle.
func (op Operation) UsesHandle() bool {
	switch op.Kind {
	case Close, Write, Read, FSync:
		return true
	}
	return false
}

package workload

import "path"

type node struct {
	typ    EntryType
	parent Ref
	name   string
	alive  bool
}

// State is the abstract namespace obtained by replaying a prefix of a
// workload. It predicts which entries exist and which handles are open, and
// tracks where every entry currently lives so that paths can be resolved.
type State struct {
	nodes   map[Ref]*node
	order   []Ref
	handles map[Handle]Ref
	hOrder  []Handle
	seq     int
}

// NewState returns the namespace of an empty workload; fresh IDs start after seq.
func NewState(seq int) *State {
	return &State{
		nodes:   map[Ref]*node{Root: {typ: Dir, parent: Root, alive: true}},
		handles: make(map[Handle]Ref),
		seq:     seq,
	}
}

// Replay applies ops to a fresh state.
func Replay(seq int, ops []Operation) *State {
	s := NewState(seq)
	for _, op := range ops {
		s.Apply(op)
	}
	return s
}

// Fresh allocates an ID that is unused by any entry, handle or name.
func (s *State) Fresh() int {
	s.seq++
	return s.seq
}

// Seq returns the last allocated ID.
func (s *State) Seq() int { return s.seq }

// Apply updates the namespace with the predicted effect of op. Operations on
// dead operands leave the state untouched, the executor sees ENOENT/EBADF.
func (s *State) Apply(op Operation) {
	s.bump(int(op.Entry))
	s.bump(int(op.Handle))
	switch op.Kind {
	case Create, MkDir, Hardlink, Symlink:
		ref, typ, _ := op.Introduces()
		alive := s.Alive(op.Parent) && s.typeOf(op.Parent) == Dir
		if op.Kind == Hardlink {
			alive = alive && s.Alive(op.Target)
		}
		if alive && s.nameTaken(op.Parent, op.Name) {
			alive = false
		}
		s.nodes[ref] = &node{typ: typ, parent: op.Parent, name: op.Name, alive: alive}
		s.order = append(s.order, ref)
	case Remove:
		if op.Target == Root || !s.Alive(op.Target) {
			return
		}
		for _, r := range s.order {
			if s.nodes[r].alive && s.IsWithin(r, op.Target) {
				s.nodes[r].alive = false
			}
		}
	case Rename:
		if op.Target == Root || !s.Alive(op.Target) || !s.Alive(op.Parent) || s.typeOf(op.Parent) != Dir {
			return
		}
		if s.IsWithin(op.Parent, op.Target) || s.nameTaken(op.Parent, op.Name) {
			return
		}
		n := s.nodes[op.Target]
		n.parent, n.name = op.Parent, op.Name
	case Open:
		if _, ok := s.handles[op.Handle]; ok {
			return
		}
		if s.Alive(op.Target) && s.typeOf(op.Target) == File {
			s.handles[op.Handle] = op.Target
			s.hOrder = append(s.hOrder, op.Handle)
		}
	case Close:
		if _, ok := s.handles[op.Handle]; !ok {
			return
		}
		delete(s.handles, op.Handle)
		for i, h := range s.hOrder {
			if h == op.Handle {
				s.hOrder = append(s.hOrder[:i:i], s.hOrder[i+1:]...)
				break
			}
		}
	}
}

func (s *State) bump(id int) {
	if id > s.seq {
		s.seq = id
	}
}

func (s *State) typeOf(r Ref) EntryType {
	if n, ok := s.nodes[r]; ok {
		return n.typ
	}
	return File
}

func (s *State) nameTaken(parent Ref, name string) bool {
	for _, r := range s.order {
		n := s.nodes[r]
		if n.alive && n.parent == parent && n.name == name {
			return true
		}
	}
	return false
}

// Alive reports whether r currently exists.
func (s *State) Alive(r Ref) bool {
	n, ok := s.nodes[r]
	return ok && n.alive
}

// Known reports whether r was introduced, dead or alive.
func (s *State) Known(r Ref) bool {
	_, ok := s.nodes[r]
	return ok
}

// IsWithin reports whether r is d or one of its descendants.
func (s *State) IsWithin(r, d Ref) bool {
	for {
		if r == d {
			return true
		}
		if r == Root {
			return false
		}
		n, ok := s.nodes[r]
		if !ok {
			return false
		}
		r = n.parent
	}
}

// Path resolves r to its current location, rooted at "/".
func (s *State) Path(r Ref) string {
	var parts []string
	for r != Root {
		n, ok := s.nodes[r]
		if !ok {
			break
		}
		parts = append(parts, n.name)
		r = n.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return path.Join(append([]string{"/"}, parts...)...)
}

// Child is the path of name inside parent.
func (s *State) Child(parent Ref, name string) string {
	return path.Join(s.Path(parent), name)
}

func (s *State) live(keep func(Ref, *node) bool) []Ref {
	var out []Ref
	if keep(Root, s.nodes[Root]) {
		out = append(out, Root)
	}
	for _, r := range s.order {
		if n := s.nodes[r]; n.alive && keep(r, n) {
			out = append(out, r)
		}
	}
	return out
}

// LiveDirs lists live directories, root first.
func (s *State) LiveDirs() []Ref {
	return s.live(func(_ Ref, n *node) bool { return n.typ == Dir })
}

// LiveFiles lists live regular files.
func (s *State) LiveFiles() []Ref {
	return s.live(func(_ Ref, n *node) bool { return n.typ == File })
}

// LiveEntries lists every live entry except the root.
func (s *State) LiveEntries() []Ref {
	return s.live(func(r Ref, _ *node) bool { return r != Root })
}

// OpenHandles lists handles in the order they were opened.
func (s *State) OpenHandles() []Handle {
	out := make([]Handle, len(s.hOrder))
	copy(out, s.hOrder)
	return out
}

// Package encoding renders workloads into the program understood by the
// in-guest executor.
package encoding

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"alma.local/fsfuzz/workload"
)

// TestFile is the name the executor build expects for the generated program.
const TestFile = "test.c"

// EncodeC produces the test.c translation unit for w. The program calls the
// executor's do_* wrappers in order; descriptors live in globals fd_<handle>.
func EncodeC(w workload.Workload) ([]byte, error) {
	ops, err := w.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "encoding: resolve workload")
	}
	var b strings.Builder
	b.WriteString("#include \"executor.h\"\n\n")
	if handles := w.Handles(); len(handles) == 0 {
		b.WriteString("// no descriptors\n")
	} else {
		names := make([]string, len(handles))
		for i, h := range handles {
			names[i] = fd(h)
		}
		fmt.Fprintf(&b, "int %s;\n", strings.Join(names, ", "))
	}
	b.WriteString("\nvoid test_workload()\n{\n")
	for _, op := range ops {
		line, err := encodeOp(op)
		if err != nil {
			return nil, err
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return []byte(b.String()), nil
}

func fd(h workload.Handle) string { return "fd_" + strconv.Itoa(int(h)) }

func str(s string) string { return strconv.Quote(s) }

func encodeOp(op workload.Resolved) (string, error) {
	switch op.Kind {
	case workload.MkDir:
		return fmt.Sprintf("do_mkdir(%s, %s);", str(op.Path), op.Mode.CFlags()), nil
	case workload.Create:
		return fmt.Sprintf("do_create(%s, %s);", str(op.Path), op.Mode.CFlags()), nil
	case workload.Remove:
		return fmt.Sprintf("do_remove(%s);", str(op.Path)), nil
	case workload.Hardlink:
		return fmt.Sprintf("do_hardlink(%s, %s);", str(op.Path), str(op.NewPath)), nil
	case workload.Symlink:
		return fmt.Sprintf("do_symlink(%s, %s);", str(op.Path), str(op.NewPath)), nil
	case workload.Rename:
		return fmt.Sprintf("do_rename(%s, %s);", str(op.Path), str(op.NewPath)), nil
	case workload.Open:
		return fmt.Sprintf("%s = do_open(%s);", fd(op.Handle), str(op.Path)), nil
	case workload.Close:
		return fmt.Sprintf("do_close(%s);", fd(op.Handle)), nil
	case workload.FSync:
		return fmt.Sprintf("do_fsync(%s);", fd(op.Handle)), nil
	case workload.Write:
		return fmt.Sprintf("do_write(%s, %d, %d);", fd(op.Handle), op.Offset, op.Size), nil
	case workload.Read:
		return fmt.Sprintf("do_read(%s, %d);", fd(op.Handle), op.Size), nil
	}
	return "", errors.Errorf("encoding: unsupported operation %s", op.Kind)
}

// Package remote sends commands and files to the machine where workloads run:
// the host itself in native mode, or a QEMU guest reached over SSH.
package remote

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimeoutExitCode is the exit status of timeout(1) when the command ran too long.
const TimeoutExitCode = 124

// ErrTimedOut is returned by Output when the command hit its timeout.
var ErrTimedOut = errors.New("remote: command timed out")

// Command is a program invocation on the target machine.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the default one.
	Dir string
	// Timeout wraps the command in timeout(1) when positive.
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// argv returns the program and arguments, with the timeout wrapper applied.
func (c Command) argv() []string {
	argv := append([]string{c.Name}, c.Args...)
	if c.Timeout > 0 {
		secs := int((c.Timeout + time.Second - 1) / time.Second)
		argv = append([]string{"timeout", strconv.Itoa(secs)}, argv...)
	}
	return argv
}

// Result describes a finished command.
type Result struct {
	ExitCode int
	TimedOut bool
}

// Commander runs commands and moves files on the target machine.
type Commander interface {
	MkdirAll(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	CopyTo(ctx context.Context, local, remote string) error
	// Run executes cmd. A non-zero exit status is not an error; err is set
	// only when the command could not be run or the transport failed.
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Output runs cmd and returns its stdout, failing on a non-zero exit status.
func Output(ctx context.Context, c Commander, cmd Command) ([]byte, error) {
	var stdout, stderr strings.Builder
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	res, err := c.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return []byte(stdout.String()), errors.Wrapf(ErrTimedOut, "%s", cmd)
	}
	if res.ExitCode != 0 {
		return []byte(stdout.String()), errors.Errorf("remote: %s exited with %d: %s", cmd, res.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return []byte(stdout.String()), nil
}

// FreshTCPPort asks the kernel for an unused local TCP port.
func FreshTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "remote: bind tcp port")
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// quote renders a word for a POSIX shell.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

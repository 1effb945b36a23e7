package remote

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// WaitDelay bounds how long Run keeps reading output after the process
// group of a cancelled command was killed.
const WaitDelay = 2 * time.Second

// Local runs everything on the host. Used when QEMU is disabled.
type Local struct{}

func (Local) MkdirAll(_ context.Context, path string) error {
	return errors.Wrapf(os.MkdirAll(path, 0o755), "failed to create local dir at '%s'", path)
}

func (Local) RemoveAll(_ context.Context, path string) error {
	return errors.Wrapf(os.RemoveAll(path), "failed to remove local dir at '%s'", path)
}

func (Local) WriteFile(_ context.Context, path string, data []byte) error {
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write local file '%s'", path)
}

func (Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	return data, errors.Wrapf(err, "failed to read local file '%s'", path)
}

func (Local) CopyTo(_ context.Context, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return errors.Wrapf(err, "failed to copy local file from '%s' to '%s'", local, remote)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat '%s'", local)
	}
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create dir for '%s'", remote)
	}
	dst, err := os.OpenFile(remote, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "failed to copy local file from '%s' to '%s'", local, remote)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "failed to copy local file from '%s' to '%s'", local, remote)
	}
	return dst.Close()
}

func (Local) Run(ctx context.Context, cmd Command) (Result, error) {
	c := command(ctx, cmd.argv())
	c.Dir = cmd.Dir
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	return wait(ctx, c, cmd)
}

// command starts argv in its own process group. Cancelling ctx kills the
// whole group, so children of the timeout wrapper die with it.
func command(ctx context.Context, argv []string) *exec.Cmd {
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		err := unix.Kill(-c.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		return err
	}
	c.WaitDelay = WaitDelay
	return c
}

func wait(ctx context.Context, c *exec.Cmd, cmd Command) (Result, error) {
	err := c.Run()
	if err == nil {
		return Result{}, nil
	}
	if ctx.Err() != nil {
		return Result{}, errors.Wrapf(ctx.Err(), "command %s", cmd)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{}, errors.Wrapf(err, "failed to run command %s", cmd)
	}
	code := exitErr.ExitCode()
	if code < 0 {
		return Result{}, errors.Errorf("command %s terminated by signal", cmd)
	}
	return Result{ExitCode: code, TimedOut: cmd.Timeout > 0 && code == TimeoutExitCode}, nil
}

package remote

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// sshFailureExitCode is reported by ssh(1) itself when the connection fails.
const sshFailureExitCode = 255

// SSH reaches a guest through the system ssh and scp binaries.
type SSH struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	// ControlPath enables connection reuse when set.
	ControlPath string
}

func (s SSH) common(portFlag string) []string {
	args := []string{"-q", "-i", s.KeyPath,
		"-o", "StrictHostKeyChecking no",
		"-o", "UserKnownHostsFile /dev/null",
	}
	if s.ControlPath != "" {
		args = append(args,
			"-o", "ControlMaster auto",
			"-o", "ControlPath "+s.ControlPath,
			"-o", "ControlPersist 1m",
		)
	}
	return append(args, portFlag, strconv.Itoa(s.Port))
}

func (s SSH) login() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	user := s.User
	if user == "" {
		user = "root"
	}
	return user + "@" + host
}

func (s SSH) shell(ctx context.Context, script string) error {
	_, err := Output(ctx, s, Command{Name: "sh", Args: []string{"-c", script}})
	return err
}

func (s SSH) MkdirAll(ctx context.Context, path string) error {
	return errors.Wrapf(s.shell(ctx, "mkdir -p "+quote(path)), "failed to create remote dir at '%s'", path)
}

func (s SSH) RemoveAll(ctx context.Context, path string) error {
	return errors.Wrapf(s.shell(ctx, "rm -rf "+quote(path)), "failed to remove remote dir at '%s'", path)
}

func (s SSH) CopyTo(ctx context.Context, local, remote string) error {
	args := append(s.common("-P"), local, s.login()+":"+remote)
	return errors.Wrapf(s.scp(ctx, args), "failed to copy file from '%s' (local) to '%s' (remote)", local, remote)
}

func (s SSH) copyFrom(ctx context.Context, remote, local string) error {
	args := append(s.common("-P"), s.login()+":"+remote, local)
	return errors.Wrapf(s.scp(ctx, args), "failed to copy file to '%s' (local) from '%s' (remote)", local, remote)
}

func (s SSH) scp(ctx context.Context, args []string) error {
	out, err := command(ctx, append([]string{"scp"}, args...)).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "scp: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func (s SSH) WriteFile(ctx context.Context, path string, data []byte) error {
	tmp, err := os.CreateTemp("", "fsfuzz-ssh-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to write to temporary file at '%s'", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.CopyTo(ctx, tmp.Name(), path)
}

func (s SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "fsfuzz-ssh-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file")
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := s.copyFrom(ctx, path, tmp.Name()); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmp.Name())
	return data, errors.Wrapf(err, "failed to read from temporary file at '%s'", tmp.Name())
}

// Run executes cmd in the guest. The timeout wrapper runs on the host side
// around ssh so that an unresponsive guest is also bounded.
func (s SSH) Run(ctx context.Context, cmd Command) (Result, error) {
	words := make([]string, 0, len(cmd.Args)+1)
	words = append(words, quote(cmd.Name))
	for _, a := range cmd.Args {
		words = append(words, quote(a))
	}
	script := strings.Join(words, " ")
	if cmd.Dir != "" {
		script = fmt.Sprintf("cd %s && %s", quote(cmd.Dir), script)
	}
	ssh := Command{Name: "ssh", Args: append(append(s.common("-p"), s.login()), script), Timeout: cmd.Timeout}
	c := command(ctx, ssh.argv())
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	res, err := wait(ctx, c, ssh)
	if err != nil {
		return res, errors.Wrapf(err, "remote command error: %s", cmd)
	}
	if res.ExitCode == sshFailureExitCode {
		return res, errors.Errorf("remote command error: %s: ssh connection failed", cmd)
	}
	return res, nil
}

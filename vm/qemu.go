package vm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// QemuConfig describes how to launch one guest.
type QemuConfig struct {
	LaunchScript      string
	OSImage           string
	MonitorPort       int
	SSHPort           int
	QMPSocketPath     string
	MonitorSocketPath string
	BootWait          time.Duration
	LogPath           string
}

// Qemu is a running guest started from the launch script.
type Qemu struct {
	cfg     QemuConfig
	cmd     *exec.Cmd
	exited  chan struct{}
	qmp     *qmpClient
	log     *logrus.Entry
	closing atomic.Bool
}

// Launch starts the guest and waits BootWait for it to come up.
func Launch(ctx context.Context, cfg QemuConfig, log *logrus.Entry) (*Qemu, error) {
	console, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open QEMU log file at '%s'", cfg.LogPath)
	}
	cmd := exec.Command(cfg.LaunchScript)
	cmd.Env = append(os.Environ(),
		"OS_IMAGE="+cfg.OSImage,
		fmt.Sprintf("MONITOR_PORT=%d", cfg.MonitorPort),
		fmt.Sprintf("SSH_PORT=%d", cfg.SSHPort),
		"QMP_SOCKET_PATH="+cfg.QMPSocketPath,
		"MONITOR_SOCKET_PATH="+cfg.MonitorSocketPath,
	)
	cmd.Stderr = console
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		console.Close()
		return nil, errors.Wrapf(err, "failed to run qemu vm from script '%s'", cfg.LaunchScript)
	}
	q := &Qemu{cfg: cfg, cmd: cmd, exited: make(chan struct{}), log: log}
	go func() {
		err := cmd.Wait()
		console.Close()
		close(q.exited)
		if !q.closing.Load() {
			log.WithError(err).Errorf("qemu finished unexpectedly, check log at '%s'", cfg.LogPath)
		}
	}()

	log.Infof("wait for VM to init (%s)", cfg.BootWait)
	select {
	case <-time.After(cfg.BootWait):
	case <-q.exited:
		return nil, errors.Errorf("qemu exited during boot, check log at '%s'", cfg.LogPath)
	case <-ctx.Done():
		q.Close()
		return nil, ctx.Err()
	}
	q.qmp, err = dialQMP(cfg.QMPSocketPath, log)
	if err != nil {
		q.Close()
		return nil, errors.Wrap(err, "failed to launch event handler")
	}
	return q, nil
}

func (q *Qemu) LoadSnapshot(ctx context.Context) error {
	q.log.Debug("load vm snapshot")
	return q.qmp.human(ctx, "loadvm "+SnapshotTag)
}

func (q *Qemu) SaveSnapshot(ctx context.Context) error {
	q.log.Info("save vm snapshot")
	return q.qmp.human(ctx, "savevm "+SnapshotTag)
}

func (q *Qemu) ResetEvents() error {
	_, err := q.qmp.drain()
	return err
}

func (q *Qemu) HadPanicEvent() (bool, error) {
	return q.qmp.drain()
}

// Close kills the launch script together with the QEMU process it spawned.
func (q *Qemu) Close() error {
	q.closing.Store(true)
	if q.qmp != nil {
		q.qmp.Close()
	}
	select {
	case <-q.exited:
		return nil
	default:
	}
	if err := unix.Kill(-q.cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.Wrap(err, "failed to kill qemu")
	}
	<-q.exited
	return nil
}

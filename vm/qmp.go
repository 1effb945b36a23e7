package vm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// qmpDialTimeout bounds the connection to the QMP socket.
const qmpDialTimeout = 5 * time.Second

// errEventsClosed is returned once the QMP connection is gone.
var errEventsClosed = errors.New("vm: event channel disconnected")

// qmpClient runs monitor commands over QMP and remembers whether any guest
// event (panic, reset, shutdown) arrived.
type qmpClient struct {
	mon    qmp.Monitor
	cancel context.CancelFunc
	log    *logrus.Entry

	mu     sync.Mutex
	events int
	closed bool
}

func dialQMP(socketPath string, log *logrus.Entry) (*qmpClient, error) {
	log.Debug("create event handler")
	mon, err := qmp.NewSocketMonitor("unix", socketPath, qmpDialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to unix socket at '%s'", socketPath)
	}
	return newQMPClient(mon, log)
}

func newQMPClient(mon qmp.Monitor, log *logrus.Entry) (*qmpClient, error) {
	if err := mon.Connect(); err != nil {
		return nil, errors.Wrap(err, "failed to negotiate QMP capabilities")
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := mon.Events(ctx)
	if err != nil {
		cancel()
		mon.Disconnect()
		return nil, errors.Wrap(err, "failed to subscribe to QMP events")
	}
	c := &qmpClient{mon: mon, cancel: cancel, log: log}
	go c.loop(stream)
	return c, nil
}

func (c *qmpClient) loop(stream <-chan qmp.Event) {
	for ev := range stream {
		c.log.WithField("event", ev.Event).Debug("received QMP event")
		c.mu.Lock()
		c.events++
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.log.Debug("qmp stream closed")
}

func (c *qmpClient) drain() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	had := c.events > 0
	c.events = 0
	if c.closed && !had {
		return false, errEventsClosed
	}
	return had, nil
}

// human runs an HMP command line through human-monitor-command. HMP reports
// failures as text in the reply.
func (c *qmpClient) human(ctx context.Context, line string) error {
	cmd, err := json.Marshal(qmp.Command{
		Execute: "human-monitor-command",
		Args:    map[string]string{"command-line": line},
	})
	if err != nil {
		return err
	}
	type reply struct {
		out []byte
		err error
	}
	done := make(chan reply, 1)
	go func() {
		out, err := c.mon.Run(cmd)
		done <- reply{out, err}
	}()
	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "monitor %q", line)
	}
	if r.err != nil {
		return errors.Wrapf(r.err, "monitor %q", line)
	}
	var res struct {
		Return string `json:"return"`
	}
	if err := json.Unmarshal(r.out, &res); err != nil {
		return errors.Wrapf(err, "failed to deserialize reply to %q", line)
	}
	if out := strings.TrimSpace(res.Return); out != "" {
		if strings.Contains(out, "Error") {
			return errors.Errorf("monitor %q: %s", line, out)
		}
		c.log.WithField("output", out).Debug("monitor reply")
	}
	return nil
}

func (c *qmpClient) Close() error {
	c.cancel()
	return c.mon.Disconnect()
}

package vm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeMonitor is a qmp.Monitor answering every command with reply.
type fakeMonitor struct {
	events chan qmp.Event
	reply  string

	mu       sync.Mutex
	commands []string
	once     sync.Once
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{events: make(chan qmp.Event)}
}

func (m *fakeMonitor) Connect() error { return nil }

func (m *fakeMonitor) Disconnect() error {
	m.once.Do(func() { close(m.events) })
	return nil
}

func (m *fakeMonitor) Run(command []byte) ([]byte, error) {
	var cmd struct {
		Execute string            `json:"execute"`
		Args    map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(command, &cmd); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.commands = append(m.commands, cmd.Execute+": "+cmd.Args["command-line"])
	m.mu.Unlock()
	return json.Marshal(map[string]string{"return": m.reply})
}

func (m *fakeMonitor) Events(context.Context) (<-chan qmp.Event, error) { return m.events, nil }

func (m *fakeMonitor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func waitFor(t *testing.T, c *qmpClient, want bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.events > 0
		c.mu.Unlock()
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected pending events=%v", want)
}

func TestQMPEvents(t *testing.T) {
	mon := newFakeMonitor()
	c, err := newQMPClient(mon, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if had, err := c.drain(); err != nil || had {
		t.Errorf("Expected no events, got %v (%v)", had, err)
	}
	mon.events <- qmp.Event{Event: "GUEST_PANICKED"}
	waitFor(t, c, true)
	if had, err := c.drain(); err != nil || !had {
		t.Errorf("Expected a panic event, got %v (%v)", had, err)
	}
	if had, _ := c.drain(); had {
		t.Errorf("Expected events to be consumed")
	}
	mon.events <- qmp.Event{Event: "RESET"}
	waitFor(t, c, true)
	if err := (&Qemu{qmp: c}).ResetEvents(); err != nil {
		t.Fatal(err)
	}
	if had, _ := c.drain(); had {
		t.Errorf("Expected no events after reset")
	}

	c.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.drain(); err == errEventsClosed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected closed stream to be reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQMPSnapshots(t *testing.T) {
	mon := newFakeMonitor()
	c, err := newQMPClient(mon, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	q := &Qemu{qmp: c, log: testLogger()}
	ctx := context.Background()
	if err := q.SaveSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.LoadSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"human-monitor-command: savevm fresh",
		"human-monitor-command: loadvm fresh",
	}
	if diff := cmp.Diff(want, mon.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}

	mon.reply = "Error: Snapshot 'fresh' does not exist\r\n"
	if err := q.LoadSnapshot(ctx); err == nil {
		t.Error("Expected HMP error reply to fail the load")
	}
}

func TestNativeSupervisor(t *testing.T) {
	var s Supervisor = Native{}
	if had, err := s.HadPanicEvent(); had || err != nil {
		t.Errorf("Expected no events from native supervisor")
	}
}

package hubconnector

import (
	"errors"
	"testing"
	"time"

	"github.com/bacnet-sc/node/pkg/corebsc"
)

type fakeConn struct {
	closed bool
}

func (f *fakeConn) Send(pdu []byte) error { return nil }
func (f *fakeConn) Close() error          { f.closed = true; return nil }

type fakeDialer struct {
	urls    []string
	onEvent []func(corebsc.SocketEvent)
	failErr error
}

func (d *fakeDialer) Dial(url string, onEvent func(corebsc.SocketEvent)) (corebsc.Connection, error) {
	if d.failErr != nil {
		return nil, d.failErr
	}
	d.urls = append(d.urls, url)
	d.onEvent = append(d.onEvent, onEvent)
	return &fakeConn{}, nil
}

func (d *fakeDialer) fire(i int, ev corebsc.SocketEvent) {
	d.onEvent[i](ev)
}

func newTestConnector(t *testing.T, d *fakeDialer, reconnect time.Duration) (*Connector, []Event) {
	t.Helper()
	var events []Event
	c, err := New(Config{
		Dialer:           d,
		PrimaryURL:       "wss://h1:9999",
		FailoverURL:      "wss://h2:9999",
		ReconnectTimeout: reconnect,
		EventFunc:        func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, events
}

func TestHappyPathToPrimary(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestConnector(t, d, 5*time.Second)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d.urls[0] != "wss://h1:9999" {
		t.Fatalf("expected dial to primary first, got %v", d.urls)
	}

	var events []Event
	c.cfg.EventFunc = func(ev Event) { events = append(events, ev) }

	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	if c.State() != StateConnectedPrimary {
		t.Fatalf("expected CONNECTED_PRIMARY, got %v", c.State())
	}
	if len(events) != 1 || events[0].Kind != EventConnectedPrimary {
		t.Fatalf("expected exactly one CONNECTED_PRIMARY event, got %v", events)
	}
}

func TestFailover(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestConnector(t, d, 5*time.Second)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []Event
	c.cfg.EventFunc = func(ev Event) { events = append(events, ev) }

	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonTimeout})
	if c.State() != StateConnectingFailover {
		t.Fatalf("expected CONNECTING_FAILOVER, got %v", c.State())
	}
	if len(d.urls) != 2 || d.urls[1] != "wss://h2:9999" {
		t.Fatalf("expected second dial to failover, got %v", d.urls)
	}

	d.fire(1, corebsc.SocketEvent{Kind: corebsc.SocketConnected})
	if c.State() != StateConnectedFailover {
		t.Fatalf("expected CONNECTED_FAILOVER, got %v", c.State())
	}
	for _, ev := range events {
		if ev.Kind == EventDisconnected {
			t.Fatalf("failover must not surface DISCONNECTED to the application")
		}
	}
}

func TestReconnectCycle(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestConnector(t, d, 5*time.Second)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonRefused})
	d.fire(1, corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonRefused})
	if c.State() != StateWaitForReconnect {
		t.Fatalf("expected WAIT_FOR_RECONNECT, got %v", c.State())
	}

	start := time.Now()
	c.ProcessState(start.Add(4 * time.Second))
	if len(d.urls) != 2 {
		t.Fatalf("did not expect a reconnect before the timeout elapsed")
	}
	c.ProcessState(start.Add(5*time.Second + time.Millisecond))
	if len(d.urls) != 3 || d.urls[2] != "wss://h1:9999" {
		t.Fatalf("expected a new connect(primary) after the reconnect timeout, got %v", d.urls)
	}
	if c.State() != StateConnectingPrimary {
		t.Fatalf("expected CONNECTING_PRIMARY after reconnect, got %v", c.State())
	}
}

func TestDuplicatedVMACStopsAndReportsErrorStopped(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestConnector(t, d, 5*time.Second)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []Event
	c.cfg.EventFunc = func(ev Event) { events = append(events, ev) }

	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})
	d.fire(0, corebsc.SocketEvent{
		Kind:   corebsc.SocketDisconnected,
		Reason: corebsc.ReasonDuplicatedVMAC,
		Err:    errors.New("dup"),
	})

	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after duplicate-VMAC stop completes, got %v", c.State())
	}

	var sawDisconnected, sawStopped bool
	for _, ev := range events {
		if ev.Kind == EventDisconnected && ev.Reason == corebsc.ReasonDuplicatedVMAC {
			sawDisconnected = true
		}
		if ev.Kind == EventStopped {
			sawStopped = true
			if !corebsc.IsDuplicatedVMAC(ev.Err) {
				t.Fatalf("expected STOPPED to carry the duplicate-VMAC error, got %v", ev.Err)
			}
		}
	}
	if !sawDisconnected || !sawStopped {
		t.Fatalf("expected DISCONNECTED(duplicated_vmac) then STOPPED, got %v", events)
	}
}

func TestSendInvalidWhenNotConnected(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestConnector(t, d, 5*time.Second)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Send([]byte("x")); !errors.Is(err, corebsc.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation while CONNECTING_PRIMARY, got %v", err)
	}
}

func TestStopIsIdempotentAndYieldsExactlyOneStopped(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestConnector(t, d, 5*time.Second)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	var events []Event
	c.cfg.EventFunc = func(ev Event) { events = append(events, ev) }

	c.Stop()
	c.Stop() // idempotent

	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonClosed})

	n := 0
	for _, ev := range events {
		if ev.Kind == EventStopped {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one STOPPED event, got %d", n)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected final state IDLE, got %v", c.State())
	}
}

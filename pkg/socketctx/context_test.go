package socketctx

import (
	"testing"

	"github.com/bacnet-sc/node/pkg/corebsc"
)

type fakeConn struct {
	closed bool
	sent   [][]byte
}

func (f *fakeConn) Send(pdu []byte) error {
	f.sent = append(f.sent, pdu)
	return nil
}
func (f *fakeConn) Close() error { f.closed = true; return nil }

type fakeDialer struct {
	lastURL string
	conn    *fakeConn
	onEvent func(corebsc.SocketEvent)
	failErr error
}

func (d *fakeDialer) Dial(url string, onEvent func(corebsc.SocketEvent)) (corebsc.Connection, error) {
	if d.failErr != nil {
		return nil, d.failErr
	}
	d.lastURL = url
	d.onEvent = onEvent
	d.conn = &fakeConn{}
	return d.conn, nil
}

func newTestInitiatorContext(t *testing.T, dialer corebsc.Dialer, slots int) (*Context, *[]corebsc.SocketEvent) {
	t.Helper()
	events := new([]corebsc.SocketEvent)
	ctx, err := New(Config{
		Role:     RoleInitiator,
		NumSlots: slots,
		Dialer:   dialer,
		Funcs: Funcs{
			OnSocketEvent:  func(s *Socket, ev corebsc.SocketEvent) { *events = append(*events, ev) },
			OnContextEvent: func(c *Context, ev corebsc.ContextEventKind) {},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ctx.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ctx, events
}

func TestContextConnectAndSend(t *testing.T) {
	d := &fakeDialer{}
	ctx, _ := newTestInitiatorContext(t, d, 2)

	if err := ctx.Connect(0, "wss://hub:9999"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ctx.Socket(0).State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %v", ctx.Socket(0).State())
	}

	if err := ctx.Send(0, []byte("x")); err == nil {
		t.Fatal("expected error sending before CONNECTED")
	}

	d.onEvent(corebsc.SocketEvent{Kind: corebsc.SocketConnected})
	if ctx.Socket(0).State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %v", ctx.Socket(0).State())
	}

	if err := ctx.Send(0, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(d.conn.sent) != 1 || string(d.conn.sent[0]) != "hello" {
		t.Fatalf("unexpected sent payloads: %v", d.conn.sent)
	}
}

func TestContextConnectInvalidSlot(t *testing.T) {
	d := &fakeDialer{}
	ctx, _ := newTestInitiatorContext(t, d, 1)
	if err := ctx.Connect(5, "wss://x"); err == nil {
		t.Fatal("expected error for out-of-range slot")
	}
}

func TestContextConnectNotIdle(t *testing.T) {
	d := &fakeDialer{}
	ctx, _ := newTestInitiatorContext(t, d, 1)
	if err := ctx.Connect(0, "wss://a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ctx.Connect(0, "wss://b"); err == nil {
		t.Fatal("expected error connecting a non-idle slot")
	}
}

func TestContextDeinitEmitsDeinitializedAfterLastSocketCloses(t *testing.T) {
	d := &fakeDialer{}
	var contextEvents []corebsc.ContextEventKind
	ctx, err := New(Config{
		Role:     RoleInitiator,
		NumSlots: 1,
		Dialer:   d,
		Funcs: Funcs{
			OnSocketEvent:  func(s *Socket, ev corebsc.SocketEvent) {},
			OnContextEvent: func(c *Context, ev corebsc.ContextEventKind) { contextEvents = append(contextEvents, ev) },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ctx.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctx.Connect(0, "wss://a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.onEvent(corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	if err := ctx.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if len(contextEvents) != 0 {
		t.Fatalf("did not expect DEINITIALIZED before the socket reports DISCONNECTED")
	}
	if !d.conn.closed {
		t.Fatal("expected Deinit to close the live connection")
	}

	d.onEvent(corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonClosed})
	if len(contextEvents) != 1 || contextEvents[0] != corebsc.ContextDeinitialized {
		t.Fatalf("expected exactly one DEINITIALIZED event, got %v", contextEvents)
	}
}

func TestContextDeinitWithNoLiveSocketsFiresImmediately(t *testing.T) {
	d := &fakeDialer{}
	var contextEvents []corebsc.ContextEventKind
	ctx, err := New(Config{
		Role:     RoleInitiator,
		NumSlots: 1,
		Dialer:   d,
		Funcs: Funcs{
			OnSocketEvent:  func(s *Socket, ev corebsc.SocketEvent) {},
			OnContextEvent: func(c *Context, ev corebsc.ContextEventKind) { contextEvents = append(contextEvents, ev) },
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ctx.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := ctx.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if len(contextEvents) != 1 || contextEvents[0] != corebsc.ContextDeinitialized {
		t.Fatalf("expected immediate DEINITIALIZED, got %v", contextEvents)
	}
}

package sim

import (
	"testing"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
)

func waitEvent(t *testing.T, ch <-chan corebsc.SocketEvent, kind corebsc.SocketEventKind) corebsc.SocketEvent {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %v", kind)
		}
	}
}

func TestDialAcceptRoundTrip(t *testing.T) {
	net := NewNetwork(bvlcsc.SimpleCodec{})

	serverCh := make(chan corebsc.SocketEvent, 16)
	var serverConn corebsc.Connection
	l := net.NewListener("wss://hub:9999")
	err := l.Listen(func(conn corebsc.Connection, register func(func(corebsc.SocketEvent))) {
		serverConn = conn
		register(func(ev corebsc.SocketEvent) { serverCh <- ev })
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Stop()

	clientCh := make(chan corebsc.SocketEvent, 16)
	client, err := net.Dialer().Dial("wss://hub:9999", func(ev corebsc.SocketEvent) { clientCh <- ev })
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitEvent(t, clientCh, corebsc.SocketConnected)
	waitEvent(t, serverCh, corebsc.SocketConnected)

	origin := bacscid.VMAC{1, 2, 3, 4, 5, 6}
	pdu, err := bvlcsc.SimpleCodec{}.Encode(&bvlcsc.Decoded{
		MessageID: 7,
		Function:  bvlcsc.FuncEncapsulatedNPDU,
		Origin:    &origin,
		NPDU:      []byte{0xde, 0xad},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := client.Send(pdu); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := waitEvent(t, serverCh, corebsc.SocketReceived)
	decoded, ok := ev.Decoded.(*bvlcsc.Decoded)
	if !ok || decoded == nil {
		t.Fatalf("expected decoded frame, got %#v", ev.Decoded)
	}
	if decoded.Function != bvlcsc.FuncEncapsulatedNPDU || decoded.MessageID != 7 {
		t.Fatalf("wrong frame: %+v", decoded)
	}

	if err := serverConn.Send(pdu); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	waitEvent(t, clientCh, corebsc.SocketReceived)
}

func TestDialUnknownURLIsRefused(t *testing.T) {
	net := NewNetwork(bvlcsc.SimpleCodec{})
	ch := make(chan corebsc.SocketEvent, 1)
	if _, err := net.Dialer().Dial("wss://nobody:1", func(ev corebsc.SocketEvent) { ch <- ev }); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ev := waitEvent(t, ch, corebsc.SocketDisconnected)
	if ev.Reason != corebsc.ReasonRefused {
		t.Fatalf("expected refused, got %q", ev.Reason)
	}
}

func TestCloseWithReasonReachesPeer(t *testing.T) {
	net := NewNetwork(bvlcsc.SimpleCodec{})

	serverCh := make(chan corebsc.SocketEvent, 16)
	var server *Endpoint
	l := net.NewListener("wss://hub:9999")
	l.Listen(func(conn corebsc.Connection, register func(func(corebsc.SocketEvent))) {
		server = conn.(*Endpoint)
		register(func(ev corebsc.SocketEvent) { serverCh <- ev })
	})
	defer l.Stop()

	clientCh := make(chan corebsc.SocketEvent, 16)
	if _, err := net.Dialer().Dial("wss://hub:9999", func(ev corebsc.SocketEvent) { clientCh <- ev }); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitEvent(t, clientCh, corebsc.SocketConnected)
	waitEvent(t, serverCh, corebsc.SocketConnected)

	server.CloseWithReason(corebsc.ReasonDuplicatedVMAC)

	ev := waitEvent(t, clientCh, corebsc.SocketDisconnected)
	if ev.Reason != corebsc.ReasonDuplicatedVMAC {
		t.Fatalf("expected duplicated_vmac at the peer, got %q", ev.Reason)
	}
	waitEvent(t, serverCh, corebsc.SocketDisconnected)
}

func TestStoppedListenerRefusesAndCanRestart(t *testing.T) {
	net := NewNetwork(bvlcsc.SimpleCodec{})
	l := net.NewListener("wss://hub:9999")
	accept := func(conn corebsc.Connection, register func(func(corebsc.SocketEvent))) {
		register(func(corebsc.SocketEvent) {})
	}
	if err := l.Listen(accept); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.Stop()

	ch := make(chan corebsc.SocketEvent, 1)
	net.Dialer().Dial("wss://hub:9999", func(ev corebsc.SocketEvent) { ch <- ev })
	ev := waitEvent(t, ch, corebsc.SocketDisconnected)
	if ev.Reason != corebsc.ReasonRefused {
		t.Fatalf("expected refused after Stop, got %q", ev.Reason)
	}

	if err := l.Listen(accept); err != nil {
		t.Fatalf("re-Listen after Stop: %v", err)
	}
	l.Stop()
}

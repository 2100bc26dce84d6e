package node

import (
	"errors"
	"testing"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
)

type fakeConn struct {
	closed bool
	sent   [][]byte
}

func (c *fakeConn) Send(pdu []byte) error { c.sent = append(c.sent, pdu); return nil }
func (c *fakeConn) Close() error          { c.closed = true; return nil }

type fakeDialer struct {
	urls    []string
	conns   []*fakeConn
	onEvent []func(corebsc.SocketEvent)
}

func (d *fakeDialer) Dial(url string, onEvent func(corebsc.SocketEvent)) (corebsc.Connection, error) {
	conn := &fakeConn{}
	d.urls = append(d.urls, url)
	d.conns = append(d.conns, conn)
	d.onEvent = append(d.onEvent, onEvent)
	return conn, nil
}

func (d *fakeDialer) fire(i int, ev corebsc.SocketEvent) { d.onEvent[i](ev) }

type fakeAcceptor struct {
	onAccept func(corebsc.Connection, func(func(corebsc.SocketEvent)))
}

func (a *fakeAcceptor) Listen(onAccept func(corebsc.Connection, func(func(corebsc.SocketEvent)))) error {
	a.onAccept = onAccept
	return nil
}
func (a *fakeAcceptor) Stop() error { return nil }

func vmac(b byte) bacscid.VMAC { return bacscid.VMAC{0, 0, 0, 0, 0, b} }

func newTestNode(t *testing.T, extra func(*Config)) (*Node, *fakeDialer, *[]Event) {
	t.Helper()
	d := &fakeDialer{}
	events := new([]Event)
	cfg := Config{
		LocalVMAC:                  vmac(0xaa),
		MaxBVLCLen:                 1500,
		MaxNPDULen:                 1497,
		Codec:                      bvlcsc.SimpleCodec{},
		HubDialer:                  d,
		PrimaryURL:                 "wss://h1:9999",
		FailoverURL:                "wss://h2:9999",
		ReconnectTimeout:           5 * time.Second,
		AddressResolutionFreshness: time.Minute,
		EventFunc:                  func(ev Event) { *events = append(*events, ev) },
	}
	if extra != nil {
		extra(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n, d, events
}

func TestNodeStartsImmediatelyWithNoGatingComponents(t *testing.T) {
	n, d, _ := newTestNode(t, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.state != StateStarted {
		t.Fatalf("expected STARTED with no gating sub-components, got %v", n.state)
	}
	if len(d.urls) == 0 {
		t.Fatalf("expected the hub connector to begin dialing")
	}
}

func TestNodeWaitsForHubFunctionBeforeStarted(t *testing.T) {
	a := &fakeAcceptor{}
	n, _, _ := newTestNode(t, func(c *Config) {
		c.HubFunctionEnabled = true
		c.HubFunctionAcceptor = a
		c.HubFunctionSlots = 2
	})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.state != StateStarted {
		t.Fatalf("expected STARTED once hub function reports started, got %v", n.state)
	}
}

func TestNodeReplyAdvertisementSolicitation(t *testing.T) {
	n, d, _ := newTestNode(t, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	origin := vmac(1)
	pdu, err := bvlcsc.SimpleCodec{}.Encode(&bvlcsc.Decoded{Function: bvlcsc.FuncAdvertisementSolicitation, Origin: &origin})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := bvlcsc.SimpleCodec{}.Decode(pdu)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	n.processReceived(pdu, decoded)

	if len(d.conns[0].sent) != 1 {
		t.Fatalf("expected exactly one reply on the uplink, got %d", len(d.conns[0].sent))
	}
	reply, err := bvlcsc.SimpleCodec{}.Decode(d.conns[0].sent[0])
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if reply.Function != bvlcsc.FuncAdvertisement {
		t.Fatalf("expected an ADVERTISEMENT reply, got %v", reply.Function)
	}
	adv := reply.Advertisement
	if adv.ConnectionStatus != bvlcsc.ConnectionStatusConnectedPrimary {
		t.Fatalf("expected connected-to-primary status, got %v", adv.ConnectionStatus)
	}
	if adv.DirectConnectSupport != bvlcsc.DirectConnectAcceptUnsupported {
		t.Fatalf("node switch is disabled, expected direct connect unsupported")
	}
	if adv.MaxBVLCLen != 1500 || adv.MaxNPDULen != 1497 {
		t.Fatalf("wrong maxima in advertisement: %+v", adv)
	}
}

func TestNodeAddressResolutionNAKWithoutNodeSwitch(t *testing.T) {
	n, d, _ := newTestNode(t, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	origin := vmac(1)
	pdu, _ := bvlcsc.SimpleCodec{}.Encode(&bvlcsc.Decoded{Function: bvlcsc.FuncAddressResolution, Origin: &origin})
	decoded, _ := bvlcsc.SimpleCodec{}.Decode(pdu)
	n.processReceived(pdu, decoded)

	if len(d.conns[0].sent) != 1 {
		t.Fatalf("expected exactly one reply on the uplink, got %d", len(d.conns[0].sent))
	}
	reply, err := bvlcsc.SimpleCodec{}.Decode(d.conns[0].sent[0])
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if reply.Function != bvlcsc.FuncResult {
		t.Fatalf("expected a RESULT NAK, got %v", reply.Function)
	}
	r := reply.Result
	if !r.HasNAKFunction || r.NAKFunction != bvlcsc.FuncAddressResolution {
		t.Fatalf("expected a NAK for ADDRESS_RESOLUTION, got %+v", r)
	}
	if r.ErrorClass != bvlcsc.ErrorClassCommunication || r.ErrorCode != bvlcsc.ErrorCodeOptionalFunctionalityNotSupported {
		t.Fatalf("wrong error class/code: %+v", r)
	}
}

func TestNodeMustUnderstandOptionNAK(t *testing.T) {
	n, d, events := newTestNode(t, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	origin := vmac(1)
	pdu, _ := bvlcsc.SimpleCodec{}.Encode(&bvlcsc.Decoded{
		Function:    bvlcsc.FuncEncapsulatedNPDU,
		Origin:      &origin,
		DestOptions: []bvlcsc.Option{{MustUnderstand: true, PackedHeaderMarker: 0x3f}},
		NPDU:        []byte{1, 2, 3},
	})
	decoded, _ := bvlcsc.SimpleCodec{}.Decode(pdu)
	n.processReceived(pdu, decoded)

	for _, ev := range *events {
		if ev.Kind == EventReceived {
			t.Fatal("payload with a not-understood must-understand option must not reach the application")
		}
	}
	if len(d.conns[0].sent) != 1 {
		t.Fatalf("expected exactly one RESULT NAK, got %d frames", len(d.conns[0].sent))
	}
	reply, err := bvlcsc.SimpleCodec{}.Decode(d.conns[0].sent[0])
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if reply.Function != bvlcsc.FuncResult {
		t.Fatalf("expected RESULT, got %v", reply.Function)
	}
	r := reply.Result
	if r.ErrorClass != bvlcsc.ErrorClassCommunication || r.ErrorCode != bvlcsc.ErrorCodeHeaderNotUnderstood {
		t.Fatalf("wrong error class/code: %+v", r)
	}
	if r.OptionMarker != 0x3f {
		t.Fatalf("expected the offending option marker to be echoed, got %#x", r.OptionMarker)
	}
}

func TestNodeAddressResolutionACKPopulatesResolutionTable(t *testing.T) {
	n, d, _ := newTestNode(t, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})

	origin := vmac(1)
	pdu, _ := bvlcsc.SimpleCodec{}.Encode(&bvlcsc.Decoded{
		Function: bvlcsc.FuncAddressResolutionACK,
		Origin:   &origin,
		AddressResolutionACK: &bvlcsc.AddressResolutionACKPayload{
			WebSocketURIs: []byte("wss://a:1 wss://b:2"),
		},
	})
	decoded, _ := bvlcsc.SimpleCodec{}.Decode(pdu)
	n.processReceived(pdu, decoded)

	entry := n.GetAddressResolution(origin, time.Now())
	if entry == nil {
		t.Fatal("expected a fresh resolution entry")
	}
	if len(entry.URLs) != 2 || entry.URLs[0] != "wss://a:1" || entry.URLs[1] != "wss://b:2" {
		t.Fatalf("expected two parsed URLs, got %v", entry.URLs)
	}
}

func TestNodeRestartsOnHubConnectorDuplicatedVMAC(t *testing.T) {
	n, d, events := newTestNode(t, nil)
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := n.cfg.LocalVMAC

	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketConnected})
	d.fire(0, corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonDuplicatedVMAC})

	if n.state != StateStarted {
		t.Fatalf("expected a completed restart to land back in STARTED, got %v", n.state)
	}
	if n.cfg.LocalVMAC == before {
		t.Fatal("expected the local VMAC to be regenerated on restart")
	}

	var sawRestarted bool
	for _, ev := range *events {
		if ev.Kind == EventRestarted {
			sawRestarted = true
		}
	}
	if !sawRestarted {
		t.Fatalf("expected an EventRestarted, got %v", events)
	}
}

func TestNodeSendInvalidWhenNotStarted(t *testing.T) {
	n, _, _ := newTestNode(t, nil)
	if err := n.Send([]byte("x")); !errors.Is(err, corebsc.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

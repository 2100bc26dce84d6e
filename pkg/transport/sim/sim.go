// Package sim is an in-memory rendering of the corebsc transport
// contracts for deterministic tests and demos: a Network maps WSS URLs
// to in-process listeners, and every dialed connection is a pair of
// endpoints bridged by a pion test pipe instead of a real socket. No
// network I/O happens; frame delivery is driven by a per-pair pump the
// same way the message pipes used for virtual-transport tests are.
package sim

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/pion/transport/v3/test"
)

// Network is the in-memory fabric connecting sim Dialers to sim
// Listeners by URL.
type Network struct {
	codec bvlcsc.Codec

	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewNetwork creates an empty fabric. All connections made through it
// decode received frames with codec before delivery.
func NewNetwork(codec bvlcsc.Codec) *Network {
	return &Network{
		codec:     codec,
		listeners: make(map[string]*Listener),
	}
}

// Dialer returns a corebsc.Dialer that resolves URLs against this
// fabric.
func (n *Network) Dialer() corebsc.Dialer {
	return &dialer{net: n}
}

// NewListener creates a Listener reachable at url once its Listen
// method has been called.
func (n *Network) NewListener(url string) *Listener {
	return &Listener{net: n, url: url}
}

func (n *Network) lookup(url string) *Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[url]
}

type dialer struct {
	net *Network
}

// Dial connects to the Listener registered at url. An unknown or
// stopped URL is reported asynchronously as DISCONNECTED(refused),
// matching how a real transport surfaces connection refusal as an event
// rather than a synchronous error.
func (d *dialer) Dial(url string, onEvent func(corebsc.SocketEvent)) (corebsc.Connection, error) {
	if url == "" {
		return nil, fmt.Errorf("sim: %w: empty URL", corebsc.ErrBadParam)
	}
	l := d.net.lookup(url)
	if l == nil {
		ep := newDetachedEndpoint()
		go onEvent(corebsc.SocketEvent{
			Kind:   corebsc.SocketDisconnected,
			Reason: corebsc.ReasonRefused,
			Err:    fmt.Errorf("sim: no listener at %s", url),
		})
		return ep, nil
	}
	return l.accept(onEvent)
}

// Listener implements corebsc.Acceptor on the fabric.
type Listener struct {
	net *Network
	url string

	mu       sync.Mutex
	onAccept func(conn corebsc.Connection, register func(onEvent func(corebsc.SocketEvent)))
	eps      []*Endpoint
}

// Listen registers the Listener under its URL.
func (l *Listener) Listen(onAccept func(conn corebsc.Connection, register func(onEvent func(corebsc.SocketEvent)))) error {
	l.mu.Lock()
	if l.onAccept != nil {
		l.mu.Unlock()
		return fmt.Errorf("sim: %w: listener already started", corebsc.ErrInvalidOperation)
	}
	l.onAccept = onAccept
	l.mu.Unlock()

	l.net.mu.Lock()
	l.net.listeners[l.url] = l
	l.net.mu.Unlock()
	return nil
}

// Stop deregisters the Listener and closes every connection it
// accepted. It may be re-opened with Listen.
func (l *Listener) Stop() error {
	l.net.mu.Lock()
	if l.net.listeners[l.url] == l {
		delete(l.net.listeners, l.url)
	}
	l.net.mu.Unlock()

	l.mu.Lock()
	l.onAccept = nil
	eps := l.eps
	l.eps = nil
	l.mu.Unlock()
	for _, ep := range eps {
		ep.Close()
	}
	return nil
}

// accept builds a bridged endpoint pair, offers the server side to the
// listener's consumer, and wires both ends up on success.
func (l *Listener) accept(onEvent func(corebsc.SocketEvent)) (corebsc.Connection, error) {
	l.mu.Lock()
	onAccept := l.onAccept
	l.mu.Unlock()
	if onAccept == nil {
		ep := newDetachedEndpoint()
		go onEvent(corebsc.SocketEvent{
			Kind:   corebsc.SocketDisconnected,
			Reason: corebsc.ReasonRefused,
			Err:    fmt.Errorf("sim: listener at %s stopped", l.url),
		})
		return ep, nil
	}

	bridge := test.NewBridge()
	client := newEndpoint(l.net.codec, bridge.GetConn0())
	server := newEndpoint(l.net.codec, bridge.GetConn1())
	client.peer, server.peer = server, client
	client.setHandler(onEvent)

	var serverEvents func(corebsc.SocketEvent)
	onAccept(server, func(h func(corebsc.SocketEvent)) { serverEvents = h })
	if serverEvents == nil {
		// Consumer declined (pool full) and closed the server side.
		client.mu.Lock()
		client.closed = true
		client.mu.Unlock()
		go onEvent(corebsc.SocketEvent{
			Kind:   corebsc.SocketDisconnected,
			Reason: corebsc.ReasonRefused,
			Err:    fmt.Errorf("sim: listener at %s rejected connection", l.url),
		})
		return client, nil
	}
	server.setHandler(serverEvents)

	l.mu.Lock()
	l.eps = append(l.eps, server)
	l.mu.Unlock()

	go pump(bridge, client, server)
	client.start()
	server.start()
	return client, nil
}

// pump ticks the bridge until both endpoints have closed, mirroring the
// auto-process loop of the virtual-transport pipe this is modeled on.
func pump(bridge *test.Bridge, a, b *Endpoint) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		bridge.Tick()
		if a.isClosed() && b.isClosed() {
			return
		}
	}
}

// Endpoint is one side of a bridged sim connection.
type Endpoint struct {
	codec bvlcsc.Codec
	nc    net.Conn
	peer  *Endpoint

	mu      sync.Mutex
	onEvent func(corebsc.SocketEvent)
	closed  bool
	started bool
}

func newEndpoint(codec bvlcsc.Codec, nc net.Conn) *Endpoint {
	return &Endpoint{codec: codec, nc: nc}
}

// newDetachedEndpoint backs a refused dial: already closed, never
// delivers anything.
func newDetachedEndpoint() *Endpoint {
	return &Endpoint{closed: true}
}

func (e *Endpoint) setHandler(h func(corebsc.SocketEvent)) {
	e.mu.Lock()
	e.onEvent = h
	e.mu.Unlock()
}

// start delivers CONNECTED and begins the read loop.
func (e *Endpoint) start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go func() {
		e.emit(corebsc.SocketEvent{Kind: corebsc.SocketConnected})
		buf := make([]byte, bacscid.BVLCSCNPDUBufferSize)
		for {
			n, err := e.nc.Read(buf)
			if err != nil {
				e.drop(corebsc.ReasonClosed, err)
				return
			}
			pdu := make([]byte, n)
			copy(pdu, buf[:n])
			decoded, err := e.codec.Decode(pdu)
			if err != nil {
				continue
			}
			e.emit(corebsc.SocketEvent{Kind: corebsc.SocketReceived, PDU: pdu, Decoded: decoded})
		}
	}()
}

// Send transmits one frame to the peer endpoint.
func (e *Endpoint) Send(pdu []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("sim: %w: endpoint closed", corebsc.ErrInvalidOperation)
	}
	if _, err := e.nc.Write(pdu); err != nil {
		return &corebsc.TransportError{Reason: corebsc.ReasonClosed, Err: err}
	}
	return nil
}

// Close tears the pair down; both sides observe DISCONNECTED(closed).
func (e *Endpoint) Close() error {
	e.drop(corebsc.ReasonClosed, nil)
	return nil
}

// CloseWithReason closes the pair while reporting reason to the remote
// side, e.g. corebsc.ReasonDuplicatedVMAC to simulate a hub evicting a
// colliding node.
func (e *Endpoint) CloseWithReason(reason string) {
	if e.peer != nil {
		e.peer.drop(reason, nil)
	}
	e.drop(corebsc.ReasonClosed, nil)
}

// drop marks the endpoint closed, closes its pipe, and delivers exactly
// one DISCONNECTED event.
func (e *Endpoint) drop(reason string, err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if e.nc != nil {
		e.nc.Close()
	}
	if started {
		e.emit(corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: reason, Err: err})
	}
	if e.peer != nil {
		e.peer.drop(corebsc.ReasonClosed, nil)
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) emit(ev corebsc.SocketEvent) {
	e.mu.Lock()
	h := e.onEvent
	e.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Package wss is the concrete WebSocket-Secure transport behind the
// abstract connection API in pkg/corebsc. A Dialer produces outbound
// (initiator-role) connections, a Listener produces inbound
// (acceptor-role) ones; both speak binary WebSocket messages where each
// message is one encoded BVLC-SC frame, decoded here before delivery so
// the state machines upstream only ever see structured frames.
package wss

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// BACnet/SC WebSocket subprotocol names. A hub uplink or hub-function
// socket negotiates the hub subprotocol; a direct peer connection
// negotiates the direct-connect one.
const (
	SubprotocolHub    = "hub.bsc.bacnet.org"
	SubprotocolDirect = "dc.bsc.bacnet.org"
)

// Config is shared by Dialer and Listener.
type Config struct {
	TLS bacscid.TLSMaterial

	// Subprotocol is the BVLC-SC subprotocol to negotiate, one of
	// SubprotocolHub or SubprotocolDirect.
	Subprotocol string

	// ConnectTimeout bounds the TCP+TLS+WebSocket handshake for dialed
	// connections. <= 0 defaults to 10s.
	ConnectTimeout time.Duration

	// Heartbeat, when > 0, sends a WebSocket ping every interval and
	// arms a read deadline refreshed by pongs, so a dead peer surfaces
	// as DISCONNECTED within DisconnectTimeout instead of on the next
	// failed write. DisconnectTimeout <= 0 defaults to 2×Heartbeat.
	Heartbeat         time.Duration
	DisconnectTimeout time.Duration

	// Codec decodes each received binary message into a BVLC-SC frame.
	// Frames that fail to decode are dropped with a log line.
	Codec bvlcsc.Codec

	LoggerFactory logging.LoggerFactory
}

func (c Config) validate() error {
	if c.Subprotocol != SubprotocolHub && c.Subprotocol != SubprotocolDirect {
		return fmt.Errorf("wss: %w: unknown subprotocol %q", corebsc.ErrBadParam, c.Subprotocol)
	}
	if c.Codec == nil {
		return fmt.Errorf("wss: %w: nil Codec", corebsc.ErrBadParam)
	}
	return nil
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 10 * time.Second
}

// conn adapts one *websocket.Conn to corebsc.Connection. Writes are
// serialized with a mutex because gorilla/websocket permits only one
// concurrent writer.
type conn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

func (c *conn) Send(pdu []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.closed {
		return fmt.Errorf("wss: %w: socket not connected", corebsc.ErrInvalidOperation)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, pdu); err != nil {
		return &corebsc.TransportError{Reason: corebsc.ReasonClosed, Err: err}
	}
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

func (c *conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

// startKeepalive arms the ping/pong liveness check configured by
// Config.Heartbeat. The returned stop function ends the pinger; it is
// safe to call after the socket has already failed.
func startKeepalive(ws *websocket.Conn, interval, timeout time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	if timeout <= 0 {
		timeout = 2 * interval
	}
	ws.SetReadDeadline(time.Now().Add(interval + timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(interval + timeout))
	})
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
			}
		}
	}()
	return func() { close(done) }
}

// readLoop pumps binary messages off ws until it fails, delivering each
// as a RECEIVED event and the terminal error as DISCONNECTED.
func readLoop(ws *websocket.Conn, codec bvlcsc.Codec, onEvent func(corebsc.SocketEvent), log logging.LeveledLogger) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			onEvent(corebsc.SocketEvent{
				Kind:   corebsc.SocketDisconnected,
				Reason: disconnectReason(err),
				Err:    err,
			})
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		decoded, err := codec.Decode(data)
		if err != nil {
			if log != nil {
				log.Warnf("wss: dropping undecodable frame (%d bytes): %v", len(data), err)
			}
			continue
		}
		onEvent(corebsc.SocketEvent{Kind: corebsc.SocketReceived, PDU: data, Decoded: decoded})
	}
}

func disconnectReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return corebsc.ReasonClosed
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return corebsc.ReasonTLSError
	}
	return corebsc.ReasonClosed
}

// Dialer implements corebsc.Dialer over WSS.
type Dialer struct {
	cfg    Config
	tlsCfg *tls.Config
	log    logging.LeveledLogger
}

// NewDialer builds a Dialer from the node's TLS material.
func NewDialer(cfg Config) (*Dialer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := clientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	d := &Dialer{cfg: cfg, tlsCfg: tlsCfg}
	if cfg.LoggerFactory != nil {
		d.log = cfg.LoggerFactory.NewLogger("wss.dialer")
	}
	return d, nil
}

// Dial validates rawURL synchronously and performs the handshake in the
// background; the outcome arrives on onEvent as CONNECTED or
// DISCONNECTED. The returned Connection is usable immediately for Close
// (which cancels an in-flight handshake) and for Send once CONNECTED has
// been delivered.
func (d *Dialer) Dial(rawURL string, onEvent func(corebsc.SocketEvent)) (corebsc.Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wss: %w: invalid URL %q: %v", corebsc.ErrBadParam, rawURL, err)
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return nil, fmt.Errorf("wss: %w: unsupported URL scheme %q", corebsc.ErrBadParam, u.Scheme)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.connectTimeout())
	c := &conn{cancel: cancel}

	go func() {
		defer cancel()
		wsDialer := websocket.Dialer{
			TLSClientConfig:  d.tlsCfg,
			HandshakeTimeout: d.cfg.connectTimeout(),
			Subprotocols:     []string{d.cfg.Subprotocol},
		}
		ws, resp, err := wsDialer.DialContext(ctx, rawURL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			onEvent(corebsc.SocketEvent{
				Kind:   corebsc.SocketDisconnected,
				Reason: corebsc.ReasonRefused,
				Err:    err,
			})
			return
		}
		if !c.attach(ws) {
			// Closed while the handshake was in flight.
			ws.Close()
			onEvent(corebsc.SocketEvent{Kind: corebsc.SocketDisconnected, Reason: corebsc.ReasonClosed})
			return
		}
		if d.log != nil {
			d.log.Debugf("wss: connected to %s (%s)", rawURL, ws.Subprotocol())
		}
		stopKeepalive := startKeepalive(ws, d.cfg.Heartbeat, d.cfg.DisconnectTimeout)
		onEvent(corebsc.SocketEvent{Kind: corebsc.SocketConnected})
		readLoop(ws, d.cfg.Codec, onEvent, d.log)
		stopKeepalive()
	}()

	return c, nil
}

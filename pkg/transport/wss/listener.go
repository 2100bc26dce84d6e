package wss

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Listener implements corebsc.Acceptor: a TLS WebSocket server whose
// upgraded connections are handed to the consumer one by one. Inbound
// clients must present a certificate chained to the configured CA and
// must negotiate the configured BVLC-SC subprotocol.
type Listener struct {
	cfg    Config
	addr   string
	tlsCfg *tls.Config
	log    logging.LeveledLogger

	mu    sync.Mutex
	ln    net.Listener
	srv   *http.Server
	conns map[*conn]struct{}
}

// NewListener builds a Listener bound to addr (host:port, typically
// ":9999"). The socket is not opened until Listen is called.
func NewListener(cfg Config, addr string) (*Listener, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, fmt.Errorf("wss: %w: empty listen address", corebsc.ErrBadParam)
	}
	tlsCfg, err := serverTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		cfg:    cfg,
		addr:   addr,
		tlsCfg: tlsCfg,
		conns:  make(map[*conn]struct{}),
	}
	if cfg.LoggerFactory != nil {
		l.log = cfg.LoggerFactory.NewLogger("wss.listener")
	}
	return l, nil
}

// Listen opens the TLS listener and begins serving upgrades. The bind
// itself is synchronous so a port conflict fails the caller's start
// path immediately; accepted connections arrive on onAccept afterwards.
func (l *Listener) Listen(onAccept func(conn corebsc.Connection, register func(onEvent func(corebsc.SocketEvent)))) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return fmt.Errorf("wss: %w: listener already started", corebsc.ErrInvalidOperation)
	}
	ln, err := tls.Listen("tcp", l.addr, l.tlsCfg)
	if err != nil {
		return &corebsc.TransportError{Reason: corebsc.ReasonRefused, Err: err}
	}
	l.ln = ln

	upgrader := websocket.Upgrader{
		Subprotocols: []string{l.cfg.Subprotocol},
	}
	l.srv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				if l.log != nil {
					l.log.Warnf("wss: upgrade failed from %s: %v", r.RemoteAddr, err)
				}
				return
			}
			if ws.Subprotocol() != l.cfg.Subprotocol {
				ws.Close()
				if l.log != nil {
					l.log.Warnf("wss: rejecting %s, no %s subprotocol", r.RemoteAddr, l.cfg.Subprotocol)
				}
				return
			}
			l.serveConn(ws, onAccept)
		}),
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed && l.log != nil {
			l.log.Errorf("wss: listener on %s terminated: %v", l.addr, err)
		}
	}()
	return nil
}

// serveConn runs on the upgraded connection's handler goroutine: it
// offers the connection to the consumer, waits for the registered event
// handler, then delivers CONNECTED and pumps frames until the socket
// drops.
func (l *Listener) serveConn(ws *websocket.Conn, onAccept func(conn corebsc.Connection, register func(onEvent func(corebsc.SocketEvent)))) {
	c := &conn{ws: ws}
	l.track(c, true)
	defer l.track(c, false)

	var onEvent func(corebsc.SocketEvent)
	onAccept(c, func(h func(corebsc.SocketEvent)) { onEvent = h })
	if onEvent == nil {
		// Consumer declined the connection (pool full); it has already
		// closed it.
		return
	}
	stopKeepalive := startKeepalive(ws, l.cfg.Heartbeat, l.cfg.DisconnectTimeout)
	onEvent(corebsc.SocketEvent{Kind: corebsc.SocketConnected})
	readLoop(ws, l.cfg.Codec, onEvent, l.log)
	stopKeepalive()
}

// Addr returns the bound listen address, or nil before Listen. Useful
// when the configured address uses port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) track(c *conn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
}

// Stop closes the listener and every connection it accepted. Safe to
// call before Listen and more than once; a stopped Listener may be
// re-opened with Listen (the supervisor does this on restart).
func (l *Listener) Stop() error {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.ln = nil
	conns := make([]*conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	if srv != nil {
		srv.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

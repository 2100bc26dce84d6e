package socketctx

import (
	"fmt"
	"sync"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/pion/logging"
)

// Context multiplexes a bounded, preallocated pool of sockets under
// one role, TLS material (carried inside the Dialer/Acceptor the owner
// constructed), and one callback surface.
type Context struct {
	mu sync.Mutex

	cfg       Config
	lifecycle ctxLifecycle
	sockets   []*Socket
	live      int // count of sockets not in StateIdle

	log logging.LeveledLogger
}

// New constructs a Context in the UNINIT lifecycle state. Call Init to
// preallocate its socket pool.
func New(cfg Config) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Context{cfg: cfg}
	if cfg.LoggerFactory != nil {
		scope := cfg.LogScope
		if scope == "" {
			scope = "socketctx"
		}
		c.log = cfg.LoggerFactory.NewLogger(scope)
	}
	return c, nil
}

// Init preallocates the socket pool and, for an acceptor context,
// starts listening.
func (c *Context) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != lifecycleUninit {
		return fmt.Errorf("socketctx: %w: context already initialized", corebsc.ErrInvalidOperation)
	}
	c.sockets = make([]*Socket, c.cfg.NumSlots)
	for i := range c.sockets {
		c.sockets[i] = &Socket{ctx: c, index: i, state: StateIdle}
	}
	c.lifecycle = lifecycleInitialized

	if c.cfg.Role == RoleAcceptor {
		if err := c.cfg.Acceptor.Listen(c.onAccept); err != nil {
			c.lifecycle = lifecycleUninit
			c.sockets = nil
			return err
		}
	}
	return nil
}

// onAccept is the Acceptor's per-connection callback. It allocates a
// free slot for the new connection or rejects it if the pool is full.
func (c *Context) onAccept(conn corebsc.Connection, register func(func(corebsc.SocketEvent))) {
	c.mu.Lock()
	var sock *Socket
	for _, s := range c.sockets {
		if s.state == StateIdle {
			sock = s
			break
		}
	}
	if sock == nil {
		c.mu.Unlock()
		conn.Close()
		if c.log != nil {
			c.log.Warn("socketctx: rejecting inbound connection, pool full")
		}
		return
	}
	sock.state = StateConnecting
	sock.conn = conn
	c.live++
	c.mu.Unlock()

	register(func(ev corebsc.SocketEvent) { c.handleEvent(sock, ev) })
}

// Deinit closes every socket in the pool. Once the last socket has
// returned to StateIdle, it emits corebsc.ContextDeinitialized through
// Funcs.OnContextEvent; that event is the only way a caller learns all
// resources are released.
func (c *Context) Deinit() error {
	c.mu.Lock()
	if c.lifecycle != lifecycleInitialized {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: context not initialized", corebsc.ErrInvalidOperation)
	}
	c.lifecycle = lifecycleDeinitializing

	if c.cfg.Role == RoleAcceptor {
		c.cfg.Acceptor.Stop()
	}

	var toClose []*Socket
	for _, s := range c.sockets {
		if s.state != StateIdle {
			s.state = StateDisconnecting
			toClose = append(toClose, s)
		}
	}
	allIdle := len(toClose) == 0
	c.mu.Unlock()

	for _, s := range toClose {
		s.conn.Close()
	}

	if allIdle {
		c.finishDeinit()
	}
	return nil
}

func (c *Context) finishDeinit() {
	c.mu.Lock()
	c.lifecycle = lifecycleUninit
	c.mu.Unlock()
	c.cfg.Funcs.OnContextEvent(c, corebsc.ContextDeinitialized)
}

// Connect transitions slot from StateIdle to StateConnecting by
// dialing url. Valid only for initiator-role contexts on an idle
// slot.
func (c *Context) Connect(slot int, url string) error {
	c.mu.Lock()
	if c.cfg.Role != RoleInitiator {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: Connect is only valid on initiator contexts", corebsc.ErrInvalidOperation)
	}
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: slot out of range", corebsc.ErrBadParam)
	}
	sock := c.sockets[slot]
	if sock.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: slot not idle", corebsc.ErrInvalidOperation)
	}
	sock.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.cfg.Dialer.Dial(url, func(ev corebsc.SocketEvent) { c.handleEvent(sock, ev) })
	if err != nil {
		c.mu.Lock()
		sock.state = StateIdle
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	sock.conn = conn
	c.live++
	c.mu.Unlock()
	return nil
}

// Send transmits pdu on slot. Valid only in StateConnected.
func (c *Context) Send(slot int, pdu []byte) error {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: slot out of range", corebsc.ErrBadParam)
	}
	sock := c.sockets[slot]
	if sock.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: slot not connected", corebsc.ErrInvalidOperation)
	}
	conn := sock.conn
	c.mu.Unlock()
	return conn.Send(pdu)
}

// Close closes the connection occupying slot, if any. Used by owners
// (hubfunction) to reject a single peer, e.g. on VMAC collision, without
// tearing down the whole context. The resulting SocketDisconnected event
// still arrives through the normal callback path.
func (c *Context) Close(slot int) error {
	c.mu.Lock()
	if slot < 0 || slot >= len(c.sockets) {
		c.mu.Unlock()
		return fmt.Errorf("socketctx: %w: slot out of range", corebsc.ErrBadParam)
	}
	sock := c.sockets[slot]
	conn := sock.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Socket returns the socket at slot, or nil if out of range.
func (c *Context) Socket(slot int) *Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(c.sockets) {
		return nil
	}
	return c.sockets[slot]
}

// Sockets returns a snapshot of every slot in the pool.
func (c *Context) Sockets() []*Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Socket, len(c.sockets))
	copy(out, c.sockets)
	return out
}

// IdentifyPeer records the VMAC/UUID a peer advertised on sock and
// reports any other socket the owner already has on file for that VMAC
// or UUID. The caller decides what to do with a non-nil collision.
func (c *Context) IdentifyPeer(sock *Socket, vmac bacscid.VMAC, id bacscid.UUID) (collision *Socket) {
	if existing := c.cfg.Funcs.findByVMAC(vmac); existing != nil && existing != sock {
		collision = existing
	} else if existing := c.cfg.Funcs.findByUUID(id); existing != nil && existing != sock {
		collision = existing
	}
	sock.SetIdentity(vmac, id)
	return collision
}

func (c *Context) handleEvent(sock *Socket, ev corebsc.SocketEvent) {
	c.mu.Lock()
	switch ev.Kind {
	case corebsc.SocketConnected:
		sock.state = StateConnected
	case corebsc.SocketDisconnected:
		sock.state = StateIdle
		sock.conn = nil
		sock.hasVMAC = false
		sock.hasUUID = false
		c.live--
	case corebsc.SocketReceived:
		// No state change.
	}
	lifecycle := c.lifecycle
	live := c.live
	c.mu.Unlock()

	c.cfg.Funcs.OnSocketEvent(sock, ev)

	if ev.Kind == corebsc.SocketDisconnected && lifecycle == lifecycleDeinitializing && live == 0 {
		c.finishDeinit()
	}
}

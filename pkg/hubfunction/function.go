package hubfunction

import (
	"fmt"
	"sync"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/bacnet-sc/node/pkg/socketctx"
	"github.com/pion/logging"
)

// Config configures a Function: the server-listener counterpart of
// hubconnector.Config's dialer.
type Config struct {
	Acceptor corebsc.Acceptor

	// NumSlots bounds the number of simultaneously connected peers.
	NumSlots int

	// LocalVMAC is this node's own VMAC. A peer that asserts this exact
	// VMAC on connect is impersonating the local node, not merely
	// colliding with another peer; that is the fatal
	// EventErrorDuplicatedVMAC condition.
	LocalVMAC bacscid.VMAC

	EventFunc func(Event)

	LoggerFactory logging.LoggerFactory
}

func (c Config) validate() error {
	if c.Acceptor == nil {
		return fmt.Errorf("hubfunction: %w: nil Acceptor", corebsc.ErrBadParam)
	}
	if c.NumSlots <= 0 {
		return fmt.Errorf("hubfunction: %w: NumSlots must be > 0", corebsc.ErrBadParam)
	}
	if c.EventFunc == nil {
		return fmt.Errorf("hubfunction: %w: nil EventFunc", corebsc.ErrBadParam)
	}
	return nil
}

// Function is the Hub Function state machine: a VMAC-keyed set of
// inbound peer sockets with frame relay between them.
type Function struct {
	mu sync.Mutex

	cfg Config
	ctx *socketctx.Context

	started   bool
	localVMAC bacscid.VMAC
	peers     map[bacscid.VMAC]*socketctx.Socket

	log logging.LeveledLogger
}

// New constructs a Function. Call Start to begin accepting connections.
func New(cfg Config) (*Function, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := &Function{cfg: cfg, localVMAC: cfg.LocalVMAC, peers: make(map[bacscid.VMAC]*socketctx.Socket)}
	if cfg.LoggerFactory != nil {
		f.log = cfg.LoggerFactory.NewLogger("hubfunction")
	}
	ctx, err := socketctx.New(socketctx.Config{
		Role:     socketctx.RoleAcceptor,
		NumSlots: cfg.NumSlots,
		Acceptor: cfg.Acceptor,
		Funcs: socketctx.Funcs{
			FindByVMAC:     f.findByVMAC,
			FindByUUID:     func(bacscid.UUID) *socketctx.Socket { return nil },
			OnSocketEvent:  f.onSocketEvent,
			OnContextEvent: f.onContextEvent,
		},
		LoggerFactory: cfg.LoggerFactory,
		LogScope:      "hubfunction.ctx",
	})
	if err != nil {
		return nil, err
	}
	f.ctx = ctx
	return f, nil
}

func (f *Function) findByVMAC(vmac bacscid.VMAC) *socketctx.Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[vmac]
}

// Start begins accepting inbound connections. Reported as
// EventStarted once the listener is live, mirroring Node Switch/Hub
// Connector's "armed == started" semantics used to gate Node Supervisor
// STARTED.
func (f *Function) Start() error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("hubfunction: %w: already started", corebsc.ErrInvalidOperation)
	}
	if err := f.ctx.Init(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.started = true
	f.mu.Unlock()

	f.emit(Event{Kind: EventStarted})
	return nil
}

// Stop closes every accepted connection and stops listening. Idempotent.
func (f *Function) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.ctx.Deinit()
}

func (f *Function) onContextEvent(_ *socketctx.Context, ev corebsc.ContextEventKind) {
	if ev != corebsc.ContextDeinitialized {
		return
	}
	f.mu.Lock()
	wasStarted := f.started
	f.started = false
	f.peers = make(map[bacscid.VMAC]*socketctx.Socket)
	f.mu.Unlock()

	if wasStarted {
		f.emit(Event{Kind: EventStopped})
	}
}

func (f *Function) onSocketEvent(sock *socketctx.Socket, ev corebsc.SocketEvent) {
	switch ev.Kind {
	case corebsc.SocketDisconnected:
		f.forgetSocket(sock)

	case corebsc.SocketReceived:
		decoded := decodedOf(ev.Decoded)
		if decoded == nil {
			return
		}
		if decoded.Origin != nil {
			if dup := f.identify(sock, *decoded.Origin); dup {
				return
			}
		}
		f.route(sock, ev.PDU, decoded)
	}
}

// SetLocalVMAC updates the VMAC whose assertion by a peer is treated as
// impersonation. Called by the Node Supervisor after a restart
// regenerates the node's own VMAC.
func (f *Function) SetLocalVMAC(vmac bacscid.VMAC) {
	f.mu.Lock()
	f.localVMAC = vmac
	f.mu.Unlock()
}

// identify records sock's advertised VMAC. If it matches the local
// node's own VMAC, the peer is impersonating this node; that is fatal.
// If it merely collides with another already-identified peer, the newer
// connection (sock, since it is only now announcing its identity) is
// rejected and the older one kept. Returns true if sock was rejected or
// the function was torn down as a result.
func (f *Function) identify(sock *socketctx.Socket, vmac bacscid.VMAC) bool {
	f.mu.Lock()
	local := f.localVMAC
	f.mu.Unlock()
	if vmac == local {
		if f.log != nil {
			f.log.Errorf("hubfunction: peer on slot %d asserted the local VMAC", sock.Index())
		}
		f.emit(Event{Kind: EventErrorDuplicatedVMAC, Err: corebsc.ErrDuplicatedVMAC})
		f.ctx.Close(sock.Index())
		return true
	}

	f.mu.Lock()
	existing, collide := f.peers[vmac]
	if collide && existing != sock {
		f.mu.Unlock()
		if f.log != nil {
			f.log.Warnf("hubfunction: rejecting newer connection for duplicate VMAC %s", vmac)
		}
		f.ctx.Close(sock.Index())
		return true
	}
	f.peers[vmac] = sock
	f.mu.Unlock()
	sock.SetIdentity(vmac, bacscid.UUID{})
	return false
}

func (f *Function) forgetSocket(sock *socketctx.Socket) {
	vmac, ok := sock.VMAC()
	if !ok {
		return
	}
	f.mu.Lock()
	if f.peers[vmac] == sock {
		delete(f.peers, vmac)
	}
	f.mu.Unlock()
}

// route forwards pdu to the connected peer named by decoded.Dest, or
// surfaces it to the owner as EventReceived when it has no known
// direct peer (i.e. it is addressed to this hub itself, or
// unresolvable).
func (f *Function) route(from *socketctx.Socket, pdu []byte, decoded *bvlcsc.Decoded) {
	if decoded.Dest != nil {
		if dest := f.findByVMAC(*decoded.Dest); dest != nil && dest != from {
			if err := f.ctx.Send(dest.Index(), pdu); err != nil && f.log != nil {
				f.log.Warnf("hubfunction: relay to %s failed: %v", *decoded.Dest, err)
			}
			return
		}
	}
	f.emit(Event{Kind: EventReceived, PDU: pdu, Decoded: decoded})
}

func (f *Function) emit(ev Event) {
	f.cfg.EventFunc(ev)
}

package nodeswitch

import (
	"fmt"
	"sync"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/bacnet-sc/node/pkg/socketctx"
	"github.com/pion/logging"
)

// Config configures a Switch.
type Config struct {
	// Dialer/InitiateSlots are required when InitiateEnable is set.
	Dialer        corebsc.Dialer
	InitiateSlots int

	// Acceptor/AcceptSlots are required when AcceptEnable is set.
	Acceptor    corebsc.Acceptor
	AcceptSlots int

	InitiateEnable bool
	AcceptEnable   bool

	LocalVMAC bacscid.VMAC
	Codec     bvlcsc.Codec

	// ResolutionTimeout bounds an in-flight ADDRESS_RESOLUTION request:
	// once it elapses without an ACK the pending entry is dropped (in
	// ProcessState) and a later Send may solicit again. Required.
	ResolutionTimeout time.Duration

	// UplinkSend is called to deliver a PDU via the hub uplink when no
	// live direct connection to its destination exists. Required.
	UplinkSend func(pdu []byte) error

	EventFunc func(Event)

	LoggerFactory logging.LoggerFactory
}

func (c Config) validate() error {
	if c.InitiateEnable && (c.Dialer == nil || c.InitiateSlots <= 0) {
		return fmt.Errorf("nodeswitch: %w: initiate enabled without Dialer/InitiateSlots", corebsc.ErrBadParam)
	}
	if c.AcceptEnable && (c.Acceptor == nil || c.AcceptSlots <= 0) {
		return fmt.Errorf("nodeswitch: %w: accept enabled without Acceptor/AcceptSlots", corebsc.ErrBadParam)
	}
	if c.Codec == nil {
		return fmt.Errorf("nodeswitch: %w: nil Codec", corebsc.ErrBadParam)
	}
	if c.ResolutionTimeout <= 0 {
		return fmt.Errorf("nodeswitch: %w: non-positive ResolutionTimeout", corebsc.ErrBadParam)
	}
	if c.UplinkSend == nil {
		return fmt.Errorf("nodeswitch: %w: nil UplinkSend", corebsc.ErrBadParam)
	}
	if c.EventFunc == nil {
		return fmt.Errorf("nodeswitch: %w: nil EventFunc", corebsc.ErrBadParam)
	}
	return nil
}

// peerHandle locates a connected peer's socket within whichever context
// (initiator or acceptor) it belongs to.
type peerHandle struct {
	ctx  *socketctx.Context
	sock *socketctx.Socket
}

// pendingConnect tracks a single in-flight initiate attempt for one
// VMAC, one URL at a time.
type pendingConnect struct {
	urls []string
	next int
	slot int
}

// resolutionRequest tracks a single in-flight ADDRESS_RESOLUTION for
// one destination VMAC. At most one exists per VMAC at a time: further
// sends to the same unresolved destination reuse the pending entry
// instead of soliciting again.
type resolutionRequest struct {
	deadline bacscid.Deadline
}

// Switch is the Node Switch state machine: direct peer connections
// indexed by VMAC, with uplink fallback for everything else.
type Switch struct {
	mu sync.Mutex

	cfg     Config
	initCtx *socketctx.Context
	accCtx  *socketctx.Context

	started     bool
	stoppingCtx int // contexts still awaiting ContextDeinitialized
	localVMAC   bacscid.VMAC

	peers      map[bacscid.VMAC]peerHandle
	resolved   map[bacscid.VMAC][]string
	pending    map[bacscid.VMAC]*pendingConnect
	pendingRes map[bacscid.VMAC]*resolutionRequest

	nextMessageID uint16

	log logging.LeveledLogger
}

// New constructs a Switch. Call Start to begin accepting/initiating.
func New(cfg Config) (*Switch, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Switch{
		cfg:        cfg,
		localVMAC:  cfg.LocalVMAC,
		peers:      make(map[bacscid.VMAC]peerHandle),
		resolved:   make(map[bacscid.VMAC][]string),
		pending:    make(map[bacscid.VMAC]*pendingConnect),
		pendingRes: make(map[bacscid.VMAC]*resolutionRequest),
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("nodeswitch")
	}

	if cfg.InitiateEnable {
		ctx, err := socketctx.New(socketctx.Config{
			Role:     socketctx.RoleInitiator,
			NumSlots: cfg.InitiateSlots,
			Dialer:   cfg.Dialer,
			Funcs: socketctx.Funcs{
				FindByVMAC:     s.findByVMAC,
				FindByUUID:     func(bacscid.UUID) *socketctx.Socket { return nil },
				OnSocketEvent:  s.onSocketEvent,
				OnContextEvent: s.onContextEvent,
			},
			LoggerFactory: cfg.LoggerFactory,
			LogScope:      "nodeswitch.initiator",
		})
		if err != nil {
			return nil, err
		}
		s.initCtx = ctx
	}
	if cfg.AcceptEnable {
		ctx, err := socketctx.New(socketctx.Config{
			Role:     socketctx.RoleAcceptor,
			NumSlots: cfg.AcceptSlots,
			Acceptor: cfg.Acceptor,
			Funcs: socketctx.Funcs{
				FindByVMAC:     s.findByVMAC,
				FindByUUID:     func(bacscid.UUID) *socketctx.Socket { return nil },
				OnSocketEvent:  s.onSocketEvent,
				OnContextEvent: s.onContextEvent,
			},
			LoggerFactory: cfg.LoggerFactory,
			LogScope:      "nodeswitch.acceptor",
		})
		if err != nil {
			return nil, err
		}
		s.accCtx = ctx
	}
	return s, nil
}

func (s *Switch) findByVMAC(vmac bacscid.VMAC) *socketctx.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.peers[vmac]; ok {
		return h.sock
	}
	return nil
}

// contexts returns every enabled socket context, for lifecycle fan-out.
func (s *Switch) contexts() []*socketctx.Context {
	var out []*socketctx.Context
	if s.initCtx != nil {
		out = append(out, s.initCtx)
	}
	if s.accCtx != nil {
		out = append(out, s.accCtx)
	}
	return out
}

// Start arms every enabled context. On any error it rolls back contexts
// already initialized.
func (s *Switch) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("nodeswitch: %w: already started", corebsc.ErrInvalidOperation)
	}
	ctxs := s.contexts()
	s.mu.Unlock()

	var initialized []*socketctx.Context
	for _, ctx := range ctxs {
		if err := ctx.Init(); err != nil {
			for _, done := range initialized {
				done.Deinit()
			}
			return err
		}
		initialized = append(initialized, ctx)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.emit(Event{Kind: EventStarted})
	return nil
}

// Stop closes every connection across both contexts. Idempotent.
func (s *Switch) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctxs := s.contexts()
	s.stoppingCtx = len(ctxs)
	s.mu.Unlock()

	for _, ctx := range ctxs {
		ctx.Deinit()
	}
}

// onContextEvent fires once per enabled context as it finishes
// deinitializing. Switch reports EventStopped only once, after every
// enabled context (accept and/or initiate) has emptied its pool.
func (s *Switch) onContextEvent(_ *socketctx.Context, ev corebsc.ContextEventKind) {
	if ev != corebsc.ContextDeinitialized {
		return
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.stoppingCtx--
	done := s.stoppingCtx <= 0
	if done {
		s.started = false
		s.peers = make(map[bacscid.VMAC]peerHandle)
		s.pending = make(map[bacscid.VMAC]*pendingConnect)
		s.pendingRes = make(map[bacscid.VMAC]*resolutionRequest)
	}
	s.mu.Unlock()

	if done {
		s.emit(Event{Kind: EventStopped})
	}
}

func (s *Switch) onSocketEvent(sock *socketctx.Socket, ev corebsc.SocketEvent) {
	switch ev.Kind {
	case corebsc.SocketConnected:
		s.onConnected(sock)
	case corebsc.SocketDisconnected:
		s.onDisconnected(sock, ev)
	case corebsc.SocketReceived:
		s.onReceived(sock, ev)
	}
}

// onConnected completes an initiate attempt: the dest VMAC was already
// known (the caller of Connect supplied it), so the peer's identity is
// assigned immediately rather than learned from a handshake frame.
func (s *Switch) onConnected(sock *socketctx.Socket) {
	s.mu.Lock()
	var dest bacscid.VMAC
	found := false
	for vmac, p := range s.pending {
		if p.slot == sock.Index() {
			dest, found = vmac, true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}
	delete(s.pending, dest)
	s.peers[dest] = peerHandle{ctx: s.initCtx, sock: sock}
	s.mu.Unlock()

	sock.SetIdentity(dest, bacscid.UUID{})
}

func (s *Switch) onDisconnected(sock *socketctx.Socket, ev corebsc.SocketEvent) {
	s.mu.Lock()
	for vmac, p := range s.pending {
		if p.slot == sock.Index() {
			s.advancePendingLocked(vmac, p)
			s.mu.Unlock()
			return
		}
	}
	if vmac, ok := sock.VMAC(); ok {
		if h, ok := s.peers[vmac]; ok && h.sock == sock {
			delete(s.peers, vmac)
		}
	}
	s.mu.Unlock()
}

// advancePendingLocked tries the next URL in a pending connect's list
// after a dial failure, or gives up the attempt once exhausted. Failed
// connect attempts are not surfaced as Switch events; the node simply
// keeps using the uplink.
func (s *Switch) advancePendingLocked(dest bacscid.VMAC, p *pendingConnect) {
	for p.next < len(p.urls) {
		url := p.urls[p.next]
		p.next++
		if err := s.initCtx.Connect(p.slot, url); err == nil {
			return
		}
	}
	delete(s.pending, dest)
}

// onReceived identifies the peer (fatal if it asserts this node's own
// VMAC, mirroring hubfunction's impersonation check) and always surfaces
// the frame to the owner: every Node Switch connection terminates at
// this node, unlike Hub Function's third-party relay.
func (s *Switch) onReceived(sock *socketctx.Socket, ev corebsc.SocketEvent) {
	decoded := decodedOf(ev.Decoded)
	if decoded == nil {
		return
	}
	if decoded.Origin != nil {
		if fatal := s.identify(sock, *decoded.Origin); fatal {
			return
		}
	}
	s.emit(Event{Kind: EventReceived, PDU: ev.PDU, Decoded: decoded})
}

// SetLocalVMAC updates the VMAC whose assertion by a peer is treated
// as impersonation. The Node Supervisor calls this after regenerating
// the node's VMAC on restart.
func (s *Switch) SetLocalVMAC(vmac bacscid.VMAC) {
	s.mu.Lock()
	s.localVMAC = vmac
	s.mu.Unlock()
}

func (s *Switch) identify(sock *socketctx.Socket, vmac bacscid.VMAC) (fatal bool) {
	s.mu.Lock()
	local := s.localVMAC
	s.mu.Unlock()
	if vmac == local {
		if s.log != nil {
			s.log.Error("nodeswitch: peer asserted the local VMAC")
		}
		s.emit(Event{Kind: EventErrorDuplicatedVMAC, Err: corebsc.ErrDuplicatedVMAC})
		s.closeSock(sock)
		return true
	}

	s.mu.Lock()
	existing, collide := s.peers[vmac]
	if collide && existing.sock != sock {
		s.mu.Unlock()
		if s.log != nil {
			s.log.Warnf("nodeswitch: rejecting newer connection for duplicate VMAC %s", vmac)
		}
		s.closeSock(sock)
		return true
	}
	ctx := s.ownerCtx(sock)
	s.peers[vmac] = peerHandle{ctx: ctx, sock: sock}
	s.mu.Unlock()
	sock.SetIdentity(vmac, bacscid.UUID{})
	return false
}

// ownerCtx reports which context (accept or initiate) sock belongs to.
func (s *Switch) ownerCtx(sock *socketctx.Socket) *socketctx.Context {
	if s.accCtx != nil {
		if peer := s.accCtx.Socket(sock.Index()); peer == sock {
			return s.accCtx
		}
	}
	return s.initCtx
}

func (s *Switch) closeSock(sock *socketctx.Socket) {
	ctx := s.ownerCtx(sock)
	if ctx != nil {
		ctx.Close(sock.Index())
	}
}

// Connect initiates a direct connection to dest, trying urls in order
// until one dials successfully. A no-op if dest already has a live
// connection or a pending attempt.
func (s *Switch) Connect(dest bacscid.VMAC, urls []string) error {
	if !s.cfg.InitiateEnable {
		return fmt.Errorf("nodeswitch: %w: initiate not enabled", corebsc.ErrInvalidOperation)
	}
	if len(urls) == 0 {
		return fmt.Errorf("nodeswitch: %w: no URLs", corebsc.ErrBadParam)
	}

	s.mu.Lock()
	if _, ok := s.peers[dest]; ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.pending[dest]; ok {
		s.mu.Unlock()
		return nil
	}
	slot := -1
	for _, sock := range s.initCtx.Sockets() {
		if sock.State() == socketctx.StateIdle {
			slot = sock.Index()
			break
		}
	}
	if slot < 0 {
		s.mu.Unlock()
		return fmt.Errorf("nodeswitch: %w: no idle initiator slot", corebsc.ErrNoResources)
	}
	p := &pendingConnect{urls: urls, slot: slot}
	s.pending[dest] = p
	s.mu.Unlock()

	for p.next < len(p.urls) {
		url := p.urls[p.next]
		p.next++
		if err := s.initCtx.Connect(slot, url); err == nil {
			return nil
		}
	}
	s.mu.Lock()
	delete(s.pending, dest)
	s.mu.Unlock()
	return fmt.Errorf("nodeswitch: %w", &corebsc.TransportError{Reason: corebsc.ReasonRefused})
}

// Disconnect tears down any live or pending direct connection to dest.
func (s *Switch) Disconnect(dest bacscid.VMAC) {
	s.mu.Lock()
	if p, ok := s.pending[dest]; ok {
		delete(s.pending, dest)
		s.mu.Unlock()
		s.initCtx.Close(p.slot)
		return
	}
	h, ok := s.peers[dest]
	s.mu.Unlock()
	if ok {
		h.ctx.Close(h.sock.Index())
	}
}

// ProcessAddressResolution records the URLs an ADDRESS_RESOLUTION_ACK
// reported for a VMAC and retires any in-flight resolution request for
// it. The Node Supervisor parses the ACK and hands the result here.
// When initiating is enabled and the peer advertised at least one URL,
// a direct-connection attempt starts immediately so later Sends can go
// direct.
func (s *Switch) ProcessAddressResolution(vmac bacscid.VMAC, urls []string) {
	s.mu.Lock()
	s.resolved[vmac] = urls
	delete(s.pendingRes, vmac)
	s.mu.Unlock()

	if s.cfg.InitiateEnable && len(urls) > 0 {
		if err := s.Connect(vmac, urls); err != nil && s.log != nil {
			s.log.Warnf("nodeswitch: connect attempt to %s failed: %v", vmac, err)
		}
	}
}

// Send transmits pdu over a live direct connection to its destination
// VMAC if one exists. Otherwise it falls back to Config.UplinkSend and,
// if InitiateEnable and a resolved URL set exists for the destination,
// kicks off a background Connect attempt so a later Send can go
// direct.
func (s *Switch) Send(pdu []byte) error {
	decoded, err := s.cfg.Codec.Decode(pdu)
	if err != nil || decoded.Dest == nil {
		return s.cfg.UplinkSend(pdu)
	}
	dest := *decoded.Dest

	s.mu.Lock()
	h, ok := s.peers[dest]
	s.mu.Unlock()
	if ok {
		return h.ctx.Send(h.sock.Index(), pdu)
	}

	if s.cfg.InitiateEnable {
		s.mu.Lock()
		urls, known := s.resolved[dest]
		_, pending := s.pending[dest]
		s.mu.Unlock()
		switch {
		case known && !pending:
			if err := s.Connect(dest, urls); err != nil && s.log != nil {
				s.log.Warnf("nodeswitch: connect attempt to %s failed: %v", dest, err)
			}
		case !known:
			if err := s.SendAddressResolution(dest); err != nil && s.log != nil {
				s.log.Warnf("nodeswitch: address resolution for %s not sent: %v", dest, err)
			}
		}
	}
	return s.cfg.UplinkSend(pdu)
}

// SendAddressResolution solicits the direct-connection URLs of dest
// over the hub uplink. At most one request is in flight per destination
// VMAC: while one is pending this is a no-op, so repeated sends to an
// unresolved destination do not flood the network with solicitations.
func (s *Switch) SendAddressResolution(dest bacscid.VMAC) error {
	s.mu.Lock()
	if _, ok := s.pendingRes[dest]; ok {
		s.mu.Unlock()
		return nil
	}
	s.nextMessageID++
	id := s.nextMessageID
	local := s.localVMAC
	req := &resolutionRequest{}
	req.deadline.Arm(time.Now(), s.cfg.ResolutionTimeout)
	s.pendingRes[dest] = req
	s.mu.Unlock()

	pdu, err := s.cfg.Codec.Encode(&bvlcsc.Decoded{
		MessageID: id,
		Function:  bvlcsc.FuncAddressResolution,
		Origin:    &local,
		Dest:      &dest,
	})
	if err == nil {
		err = s.cfg.UplinkSend(pdu)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pendingRes, dest)
		s.mu.Unlock()
		return err
	}
	return nil
}

// ProcessState implements corebsc.Ticker: it drops in-flight address
// resolutions that were never answered within ResolutionTimeout, so a
// later Send may solicit again.
func (s *Switch) ProcessState(now time.Time) {
	s.mu.Lock()
	for vmac, req := range s.pendingRes {
		if req.deadline.Expired(now) {
			delete(s.pendingRes, vmac)
			if s.log != nil {
				s.log.Debugf("nodeswitch: address resolution for %s timed out", vmac)
			}
		}
	}
	s.mu.Unlock()
}

func (s *Switch) emit(ev Event) {
	s.cfg.EventFunc(ev)
}

package hubconnector

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

// Config configures a Connector.
type Config struct {
	Dialer corebsc.Dialer

	PrimaryURL  string
	FailoverURL string

	ReconnectTimeout time.Duration

	EventFunc func(Event)

	LoggerFactory logging.LoggerFactory
}

func (c Config) validate() error {
	if c.Dialer == nil {
		return fmt.Errorf("hubconnector: %w: nil Dialer", corebsc.ErrBadParam)
	}
	if c.PrimaryURL == "" || c.FailoverURL == "" {
		return fmt.Errorf("hubconnector: %w: empty primary/failover URL", corebsc.ErrBadParam)
	}
	if len(c.PrimaryURL) > bacscid.MaxWSURLLen || len(c.FailoverURL) > bacscid.MaxWSURLLen {
		return fmt.Errorf("hubconnector: %w: URL exceeds MaxWSURLLen", corebsc.ErrBadParam)
	}
	if c.ReconnectTimeout <= 0 {
		return fmt.Errorf("hubconnector: %w: non-positive ReconnectTimeout", corebsc.ErrBadParam)
	}
	if c.EventFunc == nil {
		return fmt.Errorf("hubconnector: %w: nil EventFunc", corebsc.ErrBadParam)
	}
	return nil
}

// Connector is the Hub Connector state machine. Transitions are driven
// exclusively by socket events and the single reconnect timer sampled
// in ProcessState.
type Connector struct {
	mu sync.Mutex

	cfg Config
	ctx *socketctx.Context

	state   State
	started bool
	err     error

	reconnect bacscid.Deadline

	log logging.LeveledLogger
}

// New constructs a Connector in StateIdle. Call Start to arm it.
func New(cfg Config) (*Connector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Connector{cfg: cfg}
	if cfg.LoggerFactory != nil {
		c.log = cfg.LoggerFactory.NewLogger("hubconnector")
	}
	ctx, err := socketctx.New(socketctx.Config{
		Role:     socketctx.RoleInitiator,
		NumSlots: numSlots,
		Dialer:   cfg.Dialer,
		Funcs: socketctx.Funcs{
			// The hub connector never multiplexes by VMAC/UUID.
			FindByVMAC:     nil,
			FindByUUID:     nil,
			OnSocketEvent:  c.onSocketEvent,
			OnContextEvent: c.onContextEvent,
		},
		LoggerFactory: cfg.LoggerFactory,
		LogScope:      "hubconnector.ctx",
	})
	if err != nil {
		return nil, err
	}
	c.ctx = ctx
	return c, nil
}

// Start arms the connector: initializes its socket context and begins
// connecting to the primary hub.
func (c *Connector) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("hubconnector: %w: already started", corebsc.ErrInvalidOperation)
	}
	if err := c.ctx.Init(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateConnectingPrimary
	c.err = nil
	c.mu.Unlock()

	if err := c.ctx.Connect(slotPrimary, c.cfg.PrimaryURL); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.ctx.Deinit()
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// connectOrStopLocked dials slot/url and moves to nextState. A
// synchronous, fatal dial error transitions to StateError and begins
// the stop path, so the failure surfaces through STOPPED. Must be
// called with c.mu held; it releases and re-acquires it around the
// dial.
func (c *Connector) connectOrStopLocked(slot int, url string, nextState State) {
	c.state = nextState
	c.mu.Unlock()
	err := c.ctx.Connect(slot, url)
	c.mu.Lock()
	if err != nil {
		if c.log != nil {
			c.log.Errorf("hubconnector: fatal connect error on slot %d: %v", slot, err)
		}
		c.state = StateError
		c.err = err
		c.stopLocked()
	}
}

func (c *Connector) onSocketEvent(sock *socketctx.Socket, ev corebsc.SocketEvent) {
	c.mu.Lock()
	switch ev.Kind {
	case corebsc.SocketConnected:
		switch {
		case c.state == StateConnectingPrimary && sock.Index() == slotPrimary:
			c.state = StateConnectedPrimary
			c.mu.Unlock()
			c.emit(Event{Kind: EventConnectedPrimary})
			return
		case c.state == StateConnectingFailover && sock.Index() == slotFailover:
			c.state = StateConnectedFailover
			c.mu.Unlock()
			c.emit(Event{Kind: EventConnectedFailover})
			return
		}
		c.mu.Unlock()

	case corebsc.SocketDisconnected:
		if ev.Reason == corebsc.ReasonDuplicatedVMAC {
			c.state = StateError
			c.err = &corebsc.TransportError{Reason: corebsc.ReasonDuplicatedVMAC, Err: ev.Err}
			c.mu.Unlock()
			c.emit(Event{Kind: EventDisconnected, Reason: corebsc.ReasonDuplicatedVMAC, Err: ev.Err})
			c.mu.Lock()
			// The owner may have already driven a full stop (and even a
			// restart) from inside the emit; only begin teardown if the
			// fatal state is still current.
			if c.state == StateError {
				c.stopLocked()
			}
			c.mu.Unlock()
			return
		}
		switch c.state {
		case StateConnectingPrimary:
			c.connectOrStopLocked(slotFailover, c.cfg.FailoverURL, StateConnectingFailover)
			c.mu.Unlock()
		case StateConnectingFailover:
			c.state = StateWaitForReconnect
			c.reconnect.Arm(time.Now(), c.cfg.ReconnectTimeout)
			c.mu.Unlock()
		case StateConnectedPrimary, StateConnectedFailover:
			reason := ev.Reason
			err := ev.Err
			c.connectOrStopLocked(slotPrimary, c.cfg.PrimaryURL, StateConnectingPrimary)
			c.mu.Unlock()
			c.emit(Event{Kind: EventDisconnected, Reason: reason, Err: err})
		default:
			c.mu.Unlock()
		}

	case corebsc.SocketReceived:
		c.mu.Unlock()
		c.emit(Event{Kind: EventReceived, PDU: ev.PDU, Decoded: decodedOf(ev)})

	default:
		c.mu.Unlock()
	}
}

func (c *Connector) onContextEvent(_ *socketctx.Context, ev corebsc.ContextEventKind) {
	if ev != corebsc.ContextDeinitialized {
		return
	}
	c.mu.Lock()
	wasStarted := c.started
	c.started = false
	err := c.err
	c.state = StateIdle
	c.mu.Unlock()

	if wasStarted {
		c.emit(Event{Kind: EventStopped, Err: err})
	}
}

// stopLocked transitions to StateWaitForCtxDeinit and begins context
// teardown. Must be called with c.mu held.
func (c *Connector) stopLocked() {
	if c.state == StateWaitForCtxDeinit {
		return
	}
	c.state = StateWaitForCtxDeinit
	c.mu.Unlock()
	c.ctx.Deinit()
	c.mu.Lock()
}

// Stop is the sole cancellation primitive: idempotent, safe in any
// state, never blocks. Completion is signaled asynchronously via
// EventStopped.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.started || c.state == StateWaitForCtxDeinit {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.mu.Unlock()
}

// Send transmits pdu on whichever slot is currently connected. Valid
// only in CONNECTED_PRIMARY/CONNECTED_FAILOVER.
func (c *Connector) Send(pdu []byte) error {
	c.mu.Lock()
	var slot int
	switch c.state {
	case StateConnectedPrimary:
		slot = slotPrimary
	case StateConnectedFailover:
		slot = slotFailover
	default:
		c.mu.Unlock()
		return fmt.Errorf("hubconnector: %w: send while not connected", corebsc.ErrInvalidOperation)
	}
	c.mu.Unlock()
	return c.ctx.Send(slot, pdu)
}

// State returns the connector's current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status renders the current connection state as a BVLC-SC
// advertisement connection-status value.
func (c *Connector) Status() bvlcsc.ConnectionStatus {
	switch c.State() {
	case StateConnectedPrimary:
		return bvlcsc.ConnectionStatusConnectedPrimary
	case StateConnectedFailover:
		return bvlcsc.ConnectionStatusConnectedFailover
	default:
		return bvlcsc.ConnectionStatusNoHub
	}
}

func (c *Connector) emit(ev Event) {
	c.cfg.EventFunc(ev)
}

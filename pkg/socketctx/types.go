// Package socketctx multiplexes a bounded pool of WSS sockets sharing
// one connection role, one set of TLS material, and one owner callback
// surface.
package socketctx

import (
	"fmt"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/pion/logging"
)

// Role is the connection role a Context's sockets share.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "ACCEPTOR"
	}
	return "INITIATOR"
}

// State is a socket slot's lifecycle state: IDLE → CONNECTING →
// CONNECTED → DISCONNECTING → IDLE.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Funcs is the owner callback surface a Context dispatches through. A
// Context supplying the Hub Connector never multiplexes by VMAC/UUID,
// so FindByVMAC/FindByUUID may be nil or always return nil.
type Funcs struct {
	FindByVMAC     func(bacscid.VMAC) *Socket
	FindByUUID     func(bacscid.UUID) *Socket
	OnSocketEvent  func(sock *Socket, ev corebsc.SocketEvent)
	OnContextEvent func(ctx *Context, ev corebsc.ContextEventKind)
}

func (f Funcs) findByVMAC(vmac bacscid.VMAC) *Socket {
	if f.FindByVMAC == nil {
		return nil
	}
	return f.FindByVMAC(vmac)
}

func (f Funcs) findByUUID(id bacscid.UUID) *Socket {
	if f.FindByUUID == nil {
		return nil
	}
	return f.FindByUUID(id)
}

// Config configures a Context.
type Config struct {
	Role Role

	// NumSlots is the fixed pool size. Required, must be > 0.
	NumSlots int

	// Dialer is required for RoleInitiator, unused for RoleAcceptor.
	Dialer corebsc.Dialer

	// Acceptor is required for RoleAcceptor, unused for RoleInitiator.
	Acceptor corebsc.Acceptor

	Funcs Funcs

	LoggerFactory logging.LoggerFactory
	LogScope      string
}

func (c Config) validate() error {
	if c.NumSlots <= 0 {
		return fmt.Errorf("socketctx: %w: NumSlots must be > 0", corebsc.ErrBadParam)
	}
	if c.Role == RoleInitiator && c.Dialer == nil {
		return fmt.Errorf("socketctx: %w: initiator context requires a Dialer", corebsc.ErrBadParam)
	}
	if c.Role == RoleAcceptor && c.Acceptor == nil {
		return fmt.Errorf("socketctx: %w: acceptor context requires an Acceptor", corebsc.ErrBadParam)
	}
	if c.Funcs.OnSocketEvent == nil {
		return fmt.Errorf("socketctx: %w: OnSocketEvent is required", corebsc.ErrBadParam)
	}
	if c.Funcs.OnContextEvent == nil {
		return fmt.Errorf("socketctx: %w: OnContextEvent is required", corebsc.ErrBadParam)
	}
	return nil
}

// ctxLifecycle is the context's own UNINIT → INITIALIZED →
// DEINITIALIZING → UNINIT cycle, distinct from its sockets' states.
type ctxLifecycle int

const (
	lifecycleUninit ctxLifecycle = iota
	lifecycleInitialized
	lifecycleDeinitializing
)

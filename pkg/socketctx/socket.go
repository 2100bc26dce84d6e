package socketctx

import (
	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/corebsc"
)

// Socket is one slot in a Context's pool. Sockets are owned by their
// Context (pool storage); callers reference slots by index.
type Socket struct {
	ctx   *Context
	index int

	state State
	conn  corebsc.Connection

	// VMAC/UUID advertised by the peer, set once known (from the
	// BVLC-SC handshake/advertisement the transport or owner surfaces).
	// Used by Funcs.FindByVMAC/FindByUUID in acceptor contexts.
	vmac    bacscid.VMAC
	uuid    bacscid.UUID
	hasVMAC bool
	hasUUID bool
}

// Index returns the socket's slot index within its Context.
func (s *Socket) Index() int { return s.index }

// State returns the socket's current lifecycle state.
func (s *Socket) State() State { return s.state }

// VMAC returns the peer VMAC advertised on this socket, if known.
func (s *Socket) VMAC() (bacscid.VMAC, bool) { return s.vmac, s.hasVMAC }

// UUID returns the peer UUID advertised on this socket, if known.
func (s *Socket) UUID() (bacscid.UUID, bool) { return s.uuid, s.hasUUID }

// SetIdentity records the peer's advertised VMAC/UUID so the owning
// context's FindByVMAC/FindByUUID callbacks can resolve this socket.
// Called by the owner (hubfunction, nodeswitch) once the BVLC-SC
// handshake reveals the peer's identity.
func (s *Socket) SetIdentity(vmac bacscid.VMAC, id bacscid.UUID) {
	s.vmac, s.hasVMAC = vmac, true
	s.uuid, s.hasUUID = id, true
}

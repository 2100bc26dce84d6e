package corebsc

// SocketEventKind enumerates the events a Connection emits on its
// callback surface.
type SocketEventKind int

const (
	SocketConnected SocketEventKind = iota
	SocketDisconnected
	SocketReceived
)

func (k SocketEventKind) String() string {
	switch k {
	case SocketConnected:
		return "CONNECTED"
	case SocketDisconnected:
		return "DISCONNECTED"
	case SocketReceived:
		return "RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// ContextEventKind enumerates socket-context lifecycle events.
type ContextEventKind int

const (
	// ContextDeinitialized is emitted once the last socket owned by a
	// context has returned to IDLE after a Deinit call.
	ContextDeinitialized ContextEventKind = iota
)

// SocketEvent is delivered by a Connection to its owning Context.
type SocketEvent struct {
	Kind SocketEventKind

	// Reason is populated for SocketDisconnected; one of the Reason*
	// constants in errors.go, or corebsc.ReasonDuplicatedVMAC.
	Reason string
	Err    error

	// PDU and Decoded are populated for SocketReceived.
	PDU     []byte
	Decoded interface{}
}

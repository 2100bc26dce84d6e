// Package hubconnector implements the primary/failover hub uplink
// state machine. A Connector maintains at most one active WSS
// connection among two socket-context slots (0 = primary, 1 =
// failover), alternating between them on disconnect and backing off on
// a single reconnect timer when both have failed.
package hubconnector

import (
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
)

// State is the Hub Connector's state.
type State int

const (
	StateIdle State = iota
	StateConnectingPrimary
	StateConnectingFailover
	StateConnectedPrimary
	StateConnectedFailover
	StateWaitForReconnect
	StateWaitForCtxDeinit
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnectingPrimary:
		return "CONNECTING_PRIMARY"
	case StateConnectingFailover:
		return "CONNECTING_FAILOVER"
	case StateConnectedPrimary:
		return "CONNECTED_PRIMARY"
	case StateConnectedFailover:
		return "CONNECTED_FAILOVER"
	case StateWaitForReconnect:
		return "WAIT_FOR_RECONNECT"
	case StateWaitForCtxDeinit:
		return "WAIT_FOR_CTX_DEINIT"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// EventKind enumerates the events a Connector emits to its owner.
type EventKind int

const (
	EventConnectedPrimary EventKind = iota
	EventConnectedFailover
	EventDisconnected
	EventStopped
	EventReceived
)

func (k EventKind) String() string {
	switch k {
	case EventConnectedPrimary:
		return "CONNECTED_PRIMARY"
	case EventConnectedFailover:
		return "CONNECTED_FAILOVER"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventStopped:
		return "STOPPED"
	case EventReceived:
		return "RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to Config.EventFunc.
type Event struct {
	Kind    EventKind
	Reason  string
	Err     error
	PDU     []byte
	Decoded *bvlcsc.Decoded
}

// Slot indices within the two-socket pool.
const (
	slotPrimary  = 0
	slotFailover = 1
	numSlots     = 2
)

func decodedOf(ev corebsc.SocketEvent) *bvlcsc.Decoded {
	d, _ := ev.Decoded.(*bvlcsc.Decoded)
	return d
}

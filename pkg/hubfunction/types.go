// Package hubfunction implements the optional hub relay role: it
// accepts inbound WSS connections, identifies each by its advertised
// VMAC, and relays BVLC-SC frames between connected peers.
package hubfunction

import (
	"github.com/bacnet-sc/node/pkg/bvlcsc"
)

// EventKind enumerates the events a Function emits to its owner.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventErrorDuplicatedVMAC
	EventReceived
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "STARTED"
	case EventStopped:
		return "STOPPED"
	case EventErrorDuplicatedVMAC:
		return "ERROR_DUPLICATED_VMAC"
	case EventReceived:
		return "RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to Config.EventFunc.
type Event struct {
	Kind    EventKind
	Err     error
	PDU     []byte
	Decoded *bvlcsc.Decoded
}

func decodedOf(v interface{}) *bvlcsc.Decoded {
	d, _ := v.(*bvlcsc.Decoded)
	return d
}

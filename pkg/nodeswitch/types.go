// Package nodeswitch implements the optional direct-peer-connection
// role: initiating and/or accepting peer-to-peer WSS connections that
// bypass the hub, and driving BVLC-SC address resolution for
// destinations with no live direct connection yet.
package nodeswitch

import (
	"errors"

	"github.com/bacnet-sc/node/pkg/bvlcsc"
)

// ErrFallbackToUplink describes a Send that had no direct connection and
// was delivered via Config.UplinkSend instead. Send never returns it:
// the Switch performs the fallback itself and returns UplinkSend's
// result, since it already holds the one callback it needs.
var ErrFallbackToUplink = errors.New("nodeswitch: no direct connection, fell back to uplink")

// EventKind enumerates the events a Switch emits to its owner.
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

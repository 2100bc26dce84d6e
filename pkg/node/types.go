// Package node implements the Node Supervisor: the top-level state
// machine that composes Hub Connector, Hub Function, and Node Switch,
// dispatches received BVLC-SC control PDUs, and restarts the whole
// node when any sub-component reports a duplicated VMAC.
package node

import "github.com/bacnet-sc/node/pkg/bvlcsc"

// State is the Node Supervisor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStarted
	StateRestarting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateRestarting:
		return "RESTARTING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// EventKind enumerates the events a Node emits to its owner.
type EventKind int

const (
	EventStarted EventKind = iota
	EventRestarted
	EventStopped
	EventReceived
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "STARTED"
	case EventRestarted:
		return "RESTARTED"
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
	PDU     []byte
	Decoded *bvlcsc.Decoded
}

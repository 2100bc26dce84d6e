package node

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/bacnet-sc/node/pkg/hubconnector"
	"github.com/bacnet-sc/node/pkg/hubfunction"
	"github.com/bacnet-sc/node/pkg/nodeswitch"
	"github.com/pion/logging"
)

// Node is the Node Supervisor. It composes a Hub Connector (always
// present) with an optional Hub Function and an optional Node Switch,
// and is the single point through which a caller sends NPDUs and
// receives the node's lifecycle and data events.
//
// A Node is an ordinary heap-allocated value; the process-wide pool
// behind Init/Deinit only bounds how many exist at once.
type Node struct {
	mu    sync.Mutex
	cfg   Config
	state State

	hubConnector *hubconnector.Connector
	hubFunction  *hubfunction.Function
	nodeSwitch   *nodeswitch.Switch

	hubFunctionStarted bool
	nodeSwitchStarted  bool

	hubConnectorStopped bool
	hubFunctionStopped  bool
	nodeSwitchStopped   bool

	resolution    *bacscid.ResolutionTable
	nextMessageID uint16

	log logging.LeveledLogger
}

// New constructs a Node in StateIdle. Call Start to bring it up.
func New(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:        cfg,
		resolution: bacscid.NewResolutionTable(cfg.AddressResolutionTableSize),
	}
	if cfg.LoggerFactory != nil {
		n.log = cfg.LoggerFactory.NewLogger("node")
	}

	hc, err := hubconnector.New(hubconnector.Config{
		Dialer:           cfg.HubDialer,
		PrimaryURL:       cfg.PrimaryURL,
		FailoverURL:      cfg.FailoverURL,
		ReconnectTimeout: cfg.ReconnectTimeout,
		EventFunc:        n.onHubConnectorEvent,
		LoggerFactory:    cfg.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	n.hubConnector = hc

	if cfg.HubFunctionEnabled {
		hf, err := hubfunction.New(hubfunction.Config{
			Acceptor:      cfg.HubFunctionAcceptor,
			NumSlots:      cfg.HubFunctionSlots,
			LocalVMAC:     cfg.LocalVMAC,
			EventFunc:     n.onHubFunctionEvent,
			LoggerFactory: cfg.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
		n.hubFunction = hf
	}

	if cfg.NodeSwitchEnabled {
		ns, err := nodeswitch.New(nodeswitch.Config{
			Dialer:            cfg.NodeSwitchDialer,
			InitiateSlots:     cfg.NodeSwitchInitiateSlots,
			Acceptor:          cfg.NodeSwitchAcceptor,
			AcceptSlots:       cfg.NodeSwitchAcceptSlots,
			InitiateEnable:    cfg.NodeSwitchInitiateEnable,
			AcceptEnable:      cfg.NodeSwitchAcceptEnable,
			LocalVMAC:         cfg.LocalVMAC,
			Codec:             cfg.Codec,
			ResolutionTimeout: cfg.ResolutionTimeout,
			UplinkSend:        n.hubConnector.Send,
			EventFunc:         n.onNodeSwitchEvent,
			LoggerFactory:     cfg.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
		n.nodeSwitch = ns
	}

	return n, nil
}

// Start brings up the Hub Connector and, if enabled, the Hub Function
// and Node Switch. STARTED is reported once every enabled gating
// component (Hub Function, Node Switch) has reported up; the Hub
// Connector does not gate, it connects opportunistically in the
// background.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return fmt.Errorf("node: %w: not idle", corebsc.ErrInvalidOperation)
	}
	n.resolution.Clear()
	n.state = StateStarting
	n.hubFunctionStarted = false
	n.nodeSwitchStarted = false
	n.mu.Unlock()

	return n.startComponents(StateStarting)
}

func (n *Node) startComponents(target State) error {
	if err := n.hubConnector.Start(); err != nil {
		n.mu.Lock()
		n.state = StateIdle
		n.mu.Unlock()
		return err
	}
	if n.cfg.HubFunctionEnabled {
		if err := n.hubFunction.Start(); err != nil {
			n.hubConnector.Stop()
			n.mu.Lock()
			n.state = StateIdle
			n.mu.Unlock()
			return err
		}
	}
	if n.cfg.NodeSwitchEnabled {
		if err := n.nodeSwitch.Start(); err != nil {
			n.hubConnector.Stop()
			if n.cfg.HubFunctionEnabled {
				n.hubFunction.Stop()
			}
			n.mu.Lock()
			n.state = StateIdle
			n.mu.Unlock()
			return err
		}
	}
	// STARTED is declared once every enabled gating sub-component (Hub
	// Function, Node Switch) has reported started; with neither enabled
	// it is declared immediately.
	n.checkStartComplete()
	return nil
}

// Stop tears down every running sub-component. Idempotent.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.state == StateIdle || n.state == StateStopping {
		n.mu.Unlock()
		return
	}
	n.state = StateStopping
	n.hubConnectorStopped = false
	n.hubFunctionStopped = false
	n.nodeSwitchStopped = false
	n.mu.Unlock()

	n.hubConnector.Stop()
	if n.cfg.HubFunctionEnabled {
		n.hubFunction.Stop()
	}
	if n.cfg.NodeSwitchEnabled {
		n.nodeSwitch.Stop()
	}
}

// restart tears the node down and, once every sub-component reports
// stopped, brings it back up with a freshly generated local VMAC.
func (n *Node) restart() {
	n.mu.Lock()
	if n.state == StateStopping || n.state == StateRestarting {
		n.mu.Unlock()
		return
	}
	n.state = StateRestarting
	n.hubConnectorStopped = false
	n.hubFunctionStopped = false
	n.nodeSwitchStopped = false
	n.hubFunctionStarted = false
	n.nodeSwitchStarted = false
	n.mu.Unlock()

	n.hubConnector.Stop()
	if n.cfg.HubFunctionEnabled {
		n.hubFunction.Stop()
	}
	if n.cfg.NodeSwitchEnabled {
		n.nodeSwitch.Stop()
	}
}

func (n *Node) checkStartComplete() {
	n.mu.Lock()
	if n.state != StateStarting && n.state != StateRestarting {
		n.mu.Unlock()
		return
	}
	if n.cfg.HubFunctionEnabled && !n.hubFunctionStarted {
		n.mu.Unlock()
		return
	}
	if n.cfg.NodeSwitchEnabled && !n.nodeSwitchStarted {
		n.mu.Unlock()
		return
	}
	wasRestarting := n.state == StateRestarting
	n.state = StateStarted
	n.mu.Unlock()

	if wasRestarting {
		n.emit(Event{Kind: EventRestarted})
	} else {
		n.emit(Event{Kind: EventStarted})
	}
}

func (n *Node) checkStopComplete() {
	n.mu.Lock()
	if n.state != StateStopping && n.state != StateRestarting {
		n.mu.Unlock()
		return
	}
	if !n.hubConnectorStopped {
		n.mu.Unlock()
		return
	}
	if n.cfg.HubFunctionEnabled && !n.hubFunctionStopped {
		n.mu.Unlock()
		return
	}
	if n.cfg.NodeSwitchEnabled && !n.nodeSwitchStopped {
		n.mu.Unlock()
		return
	}

	if n.state == StateStopping {
		n.state = StateIdle
		n.mu.Unlock()
		n.emit(Event{Kind: EventStopped})
		return
	}

	// StateRestarting: regenerate the local VMAC and bring everything
	// back up.
	vmac, err := bacscid.GenerateVMAC(rand.Reader)
	if err == nil {
		n.cfg.LocalVMAC = vmac
		if n.cfg.HubFunctionEnabled {
			n.hubFunction.SetLocalVMAC(vmac)
		}
		if n.cfg.NodeSwitchEnabled {
			n.nodeSwitch.SetLocalVMAC(vmac)
		}
	} else if n.log != nil {
		n.log.Errorf("node: failed to regenerate local VMAC on restart: %v", err)
	}
	n.hubFunctionStarted = false
	n.nodeSwitchStarted = false
	n.mu.Unlock()

	if err := n.startComponents(StateRestarting); err != nil && n.log != nil {
		n.log.Errorf("node: restart failed: %v", err)
	}
}

func (n *Node) onHubConnectorEvent(ev hubconnector.Event) {
	switch ev.Kind {
	case hubconnector.EventDisconnected:
		if corebsc.IsDuplicatedVMAC(ev.Err) || ev.Reason == corebsc.ReasonDuplicatedVMAC {
			n.restart()
		}
	case hubconnector.EventStopped:
		n.mu.Lock()
		n.hubConnectorStopped = true
		n.mu.Unlock()
		n.checkStopComplete()
	case hubconnector.EventReceived:
		n.processReceived(ev.PDU, ev.Decoded)
	}
}

func (n *Node) onHubFunctionEvent(ev hubfunction.Event) {
	switch ev.Kind {
	case hubfunction.EventStarted:
		n.mu.Lock()
		n.hubFunctionStarted = true
		n.mu.Unlock()
		n.checkStartComplete()
	case hubfunction.EventStopped:
		n.mu.Lock()
		n.hubFunctionStopped = true
		n.mu.Unlock()
		n.checkStopComplete()
	case hubfunction.EventErrorDuplicatedVMAC:
		n.restart()
	case hubfunction.EventReceived:
		n.processReceived(ev.PDU, ev.Decoded)
	}
}

func (n *Node) onNodeSwitchEvent(ev nodeswitch.Event) {
	switch ev.Kind {
	case nodeswitch.EventStarted:
		n.mu.Lock()
		n.nodeSwitchStarted = true
		n.mu.Unlock()
		n.checkStartComplete()
	case nodeswitch.EventStopped:
		n.mu.Lock()
		n.nodeSwitchStopped = true
		n.mu.Unlock()
		n.checkStopComplete()
	case nodeswitch.EventErrorDuplicatedVMAC:
		n.restart()
	case nodeswitch.EventReceived:
		n.processReceived(ev.PDU, ev.Decoded)
	}
}

// Send transmits an already-encoded BVLC-SC frame: direct, if the Node
// Switch is enabled and has (or can get) a connection to the
// destination, else via the Hub Connector.
func (n *Node) Send(pdu []byte) error {
	n.mu.Lock()
	if n.state != StateStarted {
		n.mu.Unlock()
		return fmt.Errorf("node: %w: not started", corebsc.ErrInvalidOperation)
	}
	useSwitch := n.cfg.NodeSwitchEnabled
	n.mu.Unlock()

	if useSwitch {
		return n.nodeSwitch.Send(pdu)
	}
	return n.hubConnector.Send(pdu)
}

// GetAddressResolution returns the resolution table entry for vmac if
// present and still fresh, else nil.
func (n *Node) GetAddressResolution(vmac bacscid.VMAC, now time.Time) *bacscid.ResolutionEntry {
	n.mu.Lock()
	started := n.state == StateStarted
	n.mu.Unlock()
	if !started {
		return nil
	}
	return n.resolution.GetFresh(vmac, now)
}

// SendAddressResolution sends an ADDRESS_RESOLUTION query for dest.
// With the Node Switch enabled it delegates to the switch's pending-
// request table, so a query already in flight for dest is reused
// rather than re-sent.
func (n *Node) SendAddressResolution(dest bacscid.VMAC) error {
	n.mu.Lock()
	if n.state != StateStarted {
		n.mu.Unlock()
		return fmt.Errorf("node: %w: not started", corebsc.ErrInvalidOperation)
	}
	useSwitch := n.cfg.NodeSwitchEnabled
	n.mu.Unlock()

	if useSwitch {
		return n.nodeSwitch.SendAddressResolution(dest)
	}
	pdu, err := n.cfg.Codec.Encode(&bvlcsc.Decoded{
		MessageID: n.allocMessageID(),
		Function:  bvlcsc.FuncAddressResolution,
		Dest:      &dest,
	})
	if err != nil {
		return err
	}
	return n.hubConnector.Send(pdu)
}

func (n *Node) allocMessageID() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextMessageID++
	return n.nextMessageID
}

func (n *Node) emit(ev Event) {
	n.cfg.EventFunc(ev)
}

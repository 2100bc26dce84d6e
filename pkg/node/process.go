package node

import "time"

// ProcessState implements corebsc.Ticker. It sweeps expired
// address-resolution entries, drives the Hub Connector's reconnect
// backoff, and expires the Node Switch's in-flight resolution requests.
// The Hub Function carries no tick-sampled timers of its own.
func (n *Node) ProcessState(now time.Time) {
	n.resolution.SweepExpired(now)
	n.hubConnector.ProcessState(now)
	if n.cfg.NodeSwitchEnabled {
		n.nodeSwitch.ProcessState(now)
	}
}

package hubconnector

import "time"

// ProcessState implements corebsc.Ticker: the reconnect backoff is the
// Hub Connector's only timer. An expired backoff restarts the cycle at
// the primary URL.
func (c *Connector) ProcessState(now time.Time) {
	c.mu.Lock()
	if c.state != StateWaitForReconnect || !c.reconnect.Expired(now) {
		c.mu.Unlock()
		return
	}
	c.reconnect.Disarm()
	c.connectOrStopLocked(slotPrimary, c.cfg.PrimaryURL, StateConnectingPrimary)
	c.mu.Unlock()
}

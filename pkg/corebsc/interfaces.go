package corebsc

import "time"

// Connection is a single abstract WSS socket. The transport owns framing,
// handshake, and certificate verification; the core only ever sees
// Send/Close plus events delivered through the callback passed to Dial or
// Listen.
type Connection interface {
	// Send transmits pdu. Valid only once CONNECTED has been delivered
	// and before Close.
	Send(pdu []byte) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer creates outbound (INITIATOR-role) connections.
type Dialer interface {
	// Dial starts connecting to url. A synchronous, fatal error (e.g.
	// malformed URL) is returned immediately and no events follow for
	// this attempt. Otherwise the returned Connection is live and
	// onEvent will eventually receive CONNECTED or DISCONNECTED,
	// followed by zero or more RECEIVED events until DISCONNECTED.
	Dial(url string, onEvent func(SocketEvent)) (Connection, error)
}

// Acceptor creates inbound (ACCEPTOR-role) connections.
type Acceptor interface {
	// Listen begins accepting connections on the configured address.
	// onAccept is invoked once per inbound connection with the live
	// Connection and a register function; the consumer must call
	// register exactly once with the handler it wants future
	// SocketEvents for this connection delivered to.
	Listen(onAccept func(conn Connection, register func(onEvent func(SocketEvent)))) error

	// Stop closes the listener and all connections it accepted.
	Stop() error
}

// Ticker is implemented by every component driven by the periodic run
// loop. No component spawns its own background goroutine for timing;
// ProcessState is the only place deadlines are sampled.
type Ticker interface {
	ProcessState(now time.Time)
}

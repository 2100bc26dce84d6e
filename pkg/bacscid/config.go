package bacscid

import (
	"fmt"
	"time"

	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/pion/logging"
)

// TLSMaterial holds the CA chain, operational cert chain, and private
// key buffers. The node config only ever holds references;
// Config.Validate checks them non-empty, it does not copy them. The
// caller must keep the backing buffers alive at least as long as the
// node.
type TLSMaterial struct {
	CACertChain []byte
	CertChain   []byte
	Key         []byte
}

func (m TLSMaterial) validate() error {
	if len(m.CACertChain) == 0 {
		return fmt.Errorf("%w: empty CA cert chain", corebsc.ErrBadParam)
	}
	if len(m.CertChain) == 0 {
		return fmt.Errorf("%w: empty cert chain", corebsc.ErrBadParam)
	}
	if len(m.Key) == 0 {
		return fmt.Errorf("%w: empty private key", corebsc.ErrBadParam)
	}
	return nil
}

// EventKind enumerates the events delivered through Config.EventFunc.
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

// Event is the single structured payload delivered to Config.EventFunc.
type Event struct {
	Kind EventKind
	PDU  []byte
	Err  error
}

// Config is the immutable-after-Init node configuration.
type Config struct {
	TLS TLSMaterial

	UUID UUID
	VMAC VMAC

	MaxLocalBVLCLen uint16
	MaxLocalNPDULen uint16

	ConnectTimeout             time.Duration
	HeartbeatTimeout           time.Duration
	DisconnectTimeout          time.Duration
	ReconnectTimeout           time.Duration
	ResolutionTimeout          time.Duration
	ResolutionFreshnessTimeout time.Duration

	PrimaryURL  string
	FailoverURL string

	HubFunctionEnabled    bool
	HubFunctionListenPort int

	NodeSwitchEnabled       bool
	DirectConnectListenPort int
	DirectConnectInitiate   bool
	DirectConnectAccept     bool
	DirectConnectAcceptURIs []string

	EventFunc func(Event)

	// LoggerFactory is optional; nil means silent.
	LoggerFactory logging.LoggerFactory
}

// Validate enforces every entry precondition (all non-zero, non-null,
// positive timeouts) before Init allocates a node slot.
func (c Config) Validate() error {
	if err := c.TLS.validate(); err != nil {
		return err
	}
	if c.UUID.IsZero() {
		return fmt.Errorf("%w: zero UUID", corebsc.ErrBadParam)
	}
	if c.MaxLocalBVLCLen == 0 {
		return fmt.Errorf("%w: zero max local BVLC length", corebsc.ErrBadParam)
	}
	if c.MaxLocalNPDULen == 0 {
		return fmt.Errorf("%w: zero max local NPDU length", corebsc.ErrBadParam)
	}
	for name, d := range map[string]time.Duration{
		"connect timeout":              c.ConnectTimeout,
		"heartbeat timeout":            c.HeartbeatTimeout,
		"disconnect timeout":           c.DisconnectTimeout,
		"reconnect timeout":            c.ReconnectTimeout,
		"resolution timeout":           c.ResolutionTimeout,
		"resolution freshness timeout": c.ResolutionFreshnessTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive %s", corebsc.ErrBadParam, name)
		}
	}
	if c.PrimaryURL == "" {
		return fmt.Errorf("%w: empty primary URL", corebsc.ErrBadParam)
	}
	if c.FailoverURL == "" {
		return fmt.Errorf("%w: empty failover URL", corebsc.ErrBadParam)
	}
	if len(c.PrimaryURL) > MaxWSURLLen || len(c.FailoverURL) > MaxWSURLLen {
		return fmt.Errorf("%w: URL exceeds MaxWSURLLen", corebsc.ErrBadParam)
	}
	if c.HubFunctionEnabled && c.HubFunctionListenPort <= 0 {
		return fmt.Errorf("%w: hub function enabled without a listen port", corebsc.ErrBadParam)
	}
	if c.NodeSwitchEnabled && c.DirectConnectAccept && c.DirectConnectListenPort <= 0 {
		return fmt.Errorf("%w: direct-connect accept enabled without a listen port", corebsc.ErrBadParam)
	}
	if c.EventFunc == nil {
		return fmt.Errorf("%w: nil EventFunc", corebsc.ErrBadParam)
	}
	return nil
}

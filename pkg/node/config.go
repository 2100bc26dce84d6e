package node

import (
	"fmt"
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
	"github.com/bacnet-sc/node/pkg/corebsc"
	"github.com/pion/logging"
)

// Config configures a Node at the sub-component level. Most callers
// build one indirectly through Init's bacscid.Config instead.
type Config struct {
	LocalUUID bacscid.UUID
	LocalVMAC bacscid.VMAC

	MaxBVLCLen uint16
	MaxNPDULen uint16

	Codec bvlcsc.Codec

	// Hub Connector (always enabled).
	HubDialer        corebsc.Dialer
	PrimaryURL       string
	FailoverURL      string
	ReconnectTimeout time.Duration

	// Hub Function (optional).
	HubFunctionEnabled  bool
	HubFunctionAcceptor corebsc.Acceptor
	HubFunctionSlots    int

	// Node Switch (optional).
	NodeSwitchEnabled        bool
	NodeSwitchInitiateEnable bool
	NodeSwitchAcceptEnable   bool
	NodeSwitchDialer         corebsc.Dialer
	NodeSwitchAcceptor       corebsc.Acceptor
	NodeSwitchInitiateSlots  int
	NodeSwitchAcceptSlots    int

	// ResolutionTimeout bounds each in-flight ADDRESS_RESOLUTION request
	// the Node Switch issues; unanswered requests expire after it and
	// may be retried. Required when NodeSwitchEnabled.
	ResolutionTimeout time.Duration

	// DirectConnectionAcceptURIs is this node's own space-separated URI
	// list, echoed in ADDRESS_RESOLUTION_ACK replies when
	// NodeSwitchEnabled.
	DirectConnectionAcceptURIs string

	// AddressResolutionTableSize bounds the per-node resolution table.
	// <= 0 defaults to bacscid.MaxDirectConnections.
	AddressResolutionTableSize int
	// AddressResolutionFreshness is how long a resolved entry stays
	// valid before SweepExpired drops it.
	AddressResolutionFreshness time.Duration

	EventFunc func(Event)

	LoggerFactory logging.LoggerFactory
}

func (c Config) validate() error {
	if c.Codec == nil {
		return fmt.Errorf("node: %w: nil Codec", corebsc.ErrBadParam)
	}
	if c.HubDialer == nil {
		return fmt.Errorf("node: %w: nil HubDialer", corebsc.ErrBadParam)
	}
	if c.PrimaryURL == "" || c.FailoverURL == "" {
		return fmt.Errorf("node: %w: PrimaryURL/FailoverURL required", corebsc.ErrBadParam)
	}
	if c.ReconnectTimeout <= 0 {
		return fmt.Errorf("node: %w: ReconnectTimeout must be > 0", corebsc.ErrBadParam)
	}
	if c.HubFunctionEnabled && (c.HubFunctionAcceptor == nil || c.HubFunctionSlots <= 0) {
		return fmt.Errorf("node: %w: hub function enabled without Acceptor/Slots", corebsc.ErrBadParam)
	}
	if c.NodeSwitchEnabled {
		if c.NodeSwitchInitiateEnable && (c.NodeSwitchDialer == nil || c.NodeSwitchInitiateSlots <= 0) {
			return fmt.Errorf("node: %w: node switch initiate enabled without Dialer/Slots", corebsc.ErrBadParam)
		}
		if c.NodeSwitchAcceptEnable && (c.NodeSwitchAcceptor == nil || c.NodeSwitchAcceptSlots <= 0) {
			return fmt.Errorf("node: %w: node switch accept enabled without Acceptor/Slots", corebsc.ErrBadParam)
		}
		if c.ResolutionTimeout <= 0 {
			return fmt.Errorf("node: %w: node switch enabled without ResolutionTimeout", corebsc.ErrBadParam)
		}
	}
	if c.AddressResolutionFreshness <= 0 {
		return fmt.Errorf("node: %w: AddressResolutionFreshness must be > 0", corebsc.ErrBadParam)
	}
	if c.EventFunc == nil {
		return fmt.Errorf("node: %w: nil EventFunc", corebsc.ErrBadParam)
	}
	return nil
}

package node

import (
	"time"

	"github.com/bacnet-sc/node/pkg/bacscid"
	"github.com/bacnet-sc/node/pkg/bvlcsc"
)

const errOptionNotUnderstood = "'must understand' option not understood"
const errDirectConnectionsNotSupported = "direct connections are not supported"

// processReceived dispatches a decoded BVLC-SC frame. Any
// sub-component (Hub Connector, Hub Function, Node Switch) feeds its
// RECEIVED events through this one path.
func (n *Node) processReceived(pdu []byte, decoded *bvlcsc.Decoded) {
	if decoded == nil {
		return
	}

	for _, opt := range decoded.DestOptions {
		if opt.MustUnderstand && !opt.Understood {
			if decoded.NeedsBVLCResult() {
				n.sendResultNAK(decoded, opt.PackedHeaderMarker,
					bvlcsc.ErrorClassCommunication, bvlcsc.ErrorCodeHeaderNotUnderstood,
					errOptionNotUnderstood)
			}
			return
		}
	}

	switch decoded.Function {
	case bvlcsc.FuncResult:
		n.processResult(decoded)
	case bvlcsc.FuncAdvertisement:
		// Ignored: this node does not consume hub advertisements
		// beyond the connector's own status tracking.
	case bvlcsc.FuncAdvertisementSolicitation:
		n.replyAdvertisement(decoded)
	case bvlcsc.FuncAddressResolution:
		n.replyAddressResolution(decoded)
	case bvlcsc.FuncAddressResolutionACK:
		n.processAddressResolutionACK(decoded)
	case bvlcsc.FuncEncapsulatedNPDU:
		n.emit(Event{Kind: EventReceived, PDU: pdu, Decoded: decoded})
	}
}

// processResult handles a RESULT frame. The only case this node acts
// on is a NAK for an ADDRESS_RESOLUTION it sent: the corresponding
// resolution entry is reset to empty and its freshness timer restarted.
// The Node Switch is not told about the NAK; its own in-flight request
// for that destination expires after ResolutionTimeout.
func (n *Node) processResult(decoded *bvlcsc.Decoded) {
	r := decoded.Result
	if r == nil || !r.HasNAKFunction || r.NAKFunction != bvlcsc.FuncAddressResolution || decoded.Origin == nil {
		return
	}
	entry, err := n.resolution.GetOrAlloc(*decoded.Origin)
	if err != nil {
		if n.log != nil {
			n.log.Warnf("node: can't allocate address resolution entry for %s: %v", *decoded.Origin, err)
		}
		return
	}
	entry.URLs = nil
	entry.FreshUntil = time.Now().Add(n.cfg.AddressResolutionFreshness)
}

func (n *Node) replyAdvertisement(decoded *bvlcsc.Decoded) {
	if decoded.Origin == nil {
		return
	}
	directSupport := bvlcsc.DirectConnectAcceptUnsupported
	if n.cfg.NodeSwitchEnabled {
		directSupport = bvlcsc.DirectConnectAcceptSupported
	}
	pdu, err := n.cfg.Codec.Encode(&bvlcsc.Decoded{
		MessageID: n.allocMessageID(),
		Function:  bvlcsc.FuncAdvertisement,
		Dest:      decoded.Origin,
		Advertisement: &bvlcsc.AdvertisementPayload{
			ConnectionStatus:     n.hubConnector.Status(),
			DirectConnectSupport: directSupport,
			MaxBVLCLen:           n.cfg.MaxBVLCLen,
			MaxNPDULen:           n.cfg.MaxNPDULen,
		},
	})
	if err != nil {
		if n.log != nil {
			n.log.Errorf("node: failed to encode ADVERTISEMENT: %v", err)
		}
		return
	}
	n.sendBestEffort(pdu)
}

func (n *Node) replyAddressResolution(decoded *bvlcsc.Decoded) {
	if !n.cfg.NodeSwitchEnabled {
		n.sendResultNAK(decoded, 0, bvlcsc.ErrorClassCommunication,
			bvlcsc.ErrorCodeOptionalFunctionalityNotSupported, errDirectConnectionsNotSupported)
		return
	}
	pdu, err := n.cfg.Codec.Encode(&bvlcsc.Decoded{
		MessageID: decoded.MessageID,
		Function:  bvlcsc.FuncAddressResolutionACK,
		Dest:      decoded.Origin,
		AddressResolutionACK: &bvlcsc.AddressResolutionACKPayload{
			WebSocketURIs: []byte(n.cfg.DirectConnectionAcceptURIs),
		},
	})
	if err != nil {
		if n.log != nil {
			n.log.Errorf("node: failed to encode ADDRESS_RESOLUTION_ACK: %v", err)
		}
		return
	}
	n.sendBestEffort(pdu)
}

func (n *Node) processAddressResolutionACK(decoded *bvlcsc.Decoded) {
	if decoded.AddressResolutionACK == nil || decoded.Origin == nil {
		return
	}
	urls := parseSpaceSeparatedURLs(decoded.AddressResolutionACK.WebSocketURIs)

	entry, err := n.resolution.GetOrAlloc(*decoded.Origin)
	if err != nil {
		if n.log != nil {
			n.log.Warnf("node: can't allocate address resolution entry for %s: %v", *decoded.Origin, err)
		}
		return
	}
	entry.URLs = urls
	entry.FreshUntil = time.Now().Add(n.cfg.AddressResolutionFreshness)

	if n.cfg.NodeSwitchEnabled {
		n.nodeSwitch.ProcessAddressResolution(*decoded.Origin, urls)
	}
}

// parseSpaceSeparatedURLs splits an ADDRESS_RESOLUTION_ACK payload on
// single 0x20 bytes. Tokens longer than
// bacscid.MaxURISizeInAddressResolutionACK, or beyond
// bacscid.MaxURLsPerResolutionEntry entries, are dropped rather than
// truncated or causing an error.
func parseSpaceSeparatedURLs(payload []byte) []string {
	var urls []string
	start := 0
	for i := 0; i <= len(payload); i++ {
		if i < len(payload) && payload[i] != ' ' {
			continue
		}
		length := i - start
		if length > 0 && length <= bacscid.MaxURISizeInAddressResolutionACK && len(urls) < bacscid.MaxURLsPerResolutionEntry {
			urls = append(urls, string(payload[start:i]))
		}
		start = i + 1
	}
	return urls
}

func (n *Node) sendResultNAK(decoded *bvlcsc.Decoded, optionMarker byte, errClass, errCode uint16, detail string) {
	pdu, err := n.cfg.Codec.Encode(&bvlcsc.Decoded{
		MessageID: decoded.MessageID,
		Function:  bvlcsc.FuncResult,
		Origin:    decoded.Dest,
		Dest:      decoded.Origin,
		Result: &bvlcsc.ResultPayload{
			HasNAKFunction: true,
			NAKFunction:    decoded.Function,
			ErrorClass:     errClass,
			ErrorCode:      errCode,
			ErrorDetails:   detail,
			OptionMarker:   optionMarker,
		},
	})
	if err != nil {
		if n.log != nil {
			n.log.Errorf("node: failed to encode RESULT NAK: %v", err)
		}
		return
	}
	n.sendBestEffort(pdu)
}

// sendBestEffort sends a reply PDU generated in response to something
// this node just received; a failure here (e.g. the uplink happens to
// be down) is logged, not propagated. Control-plane replies never
// surface delivery failures.
func (n *Node) sendBestEffort(pdu []byte) {
	if err := n.Send(pdu); err != nil && n.log != nil {
		n.log.Warnf("node: reply not sent: %v", err)
	}
}

// Package bvlcsc models BVLC-SC (BACnet Virtual Link Control for
// Secure Connect) at the level of message kinds the datalink produces
// or consumes. SimpleCodec is a minimal encoding sufficient to drive
// the state machines end-to-end in tests and the demo binary; a
// wire-conformant codec can be swapped in through the Codec interface.
package bvlcsc

import "github.com/bacnet-sc/node/pkg/bacscid"

// FunctionCode identifies a BVLC-SC message kind.
type FunctionCode uint8

const (
	FuncResult FunctionCode = iota
	FuncEncapsulatedNPDU
	FuncAddressResolution
	FuncAddressResolutionACK
	FuncAdvertisement
	FuncAdvertisementSolicitation
)

func (f FunctionCode) String() string {
	switch f {
	case FuncResult:
		return "RESULT"
	case FuncEncapsulatedNPDU:
		return "ENCAPSULATED_NPDU"
	case FuncAddressResolution:
		return "ADDRESS_RESOLUTION"
	case FuncAddressResolutionACK:
		return "ADDRESS_RESOLUTION_ACK"
	case FuncAdvertisement:
		return "ADVERTISEMENT"
	case FuncAdvertisementSolicitation:
		return "ADVERTISEMENT_SOLICITATION"
	default:
		return "UNKNOWN"
	}
}

// ErrorClass/ErrorCode values carried in RESULT payloads.
const (
	ErrorClassCommunication uint16 = 1

	ErrorCodeHeaderNotUnderstood               uint16 = 1
	ErrorCodeOptionalFunctionalityNotSupported uint16 = 2
)

// ConnectionStatus is carried in ADVERTISEMENT.
type ConnectionStatus uint8

const (
	ConnectionStatusNoHub ConnectionStatus = iota
	ConnectionStatusConnectedPrimary
	ConnectionStatusConnectedFailover
)

// DirectConnectSupport is carried in ADVERTISEMENT.
type DirectConnectSupport uint8

const (
	DirectConnectAcceptUnsupported DirectConnectSupport = iota
	DirectConnectAcceptSupported
)

// Option is a destination header option. Only the must-understand flag
// and the marker needed to echo it back in a RESULT NAK are modeled;
// option payload semantics beyond that live in the codec.
type Option struct {
	MustUnderstand     bool
	Understood         bool
	PackedHeaderMarker byte
}

// ResultPayload is the RESULT message body.
type ResultPayload struct {
	// NAKFunction is the function code this RESULT is a NAK for, when
	// applicable (e.g. a NAK for ADDRESS_RESOLUTION or for an unknown
	// destination option).
	NAKFunction FunctionCode
	// HasNAKFunction distinguishes "NAK for a specific function" from a
	// bare success result with no nested code.
	HasNAKFunction bool
	ErrorClass     uint16
	ErrorCode      uint16
	ErrorDetails   string
	// OptionMarker echoes the offending option header marker for a
	// must-understand NAK.
	OptionMarker byte
}

// AdvertisementPayload is the ADVERTISEMENT message body.
type AdvertisementPayload struct {
	ConnectionStatus     ConnectionStatus
	DirectConnectSupport DirectConnectSupport
	MaxBVLCLen           uint16
	MaxNPDULen           uint16
}

// AddressResolutionACKPayload is the ADDRESS_RESOLUTION_ACK message
// body: a single space-separated (0x20) UTF-8 URL list.
type AddressResolutionACKPayload struct {
	WebSocketURIs []byte
}

// Decoded is a fully decoded BVLC-SC frame, the level of detail the
// state machines consume.
type Decoded struct {
	MessageID uint16
	Function  FunctionCode

	// Origin/Dest are nil when the field was absent on the wire.
	Origin *bacscid.VMAC
	Dest   *bacscid.VMAC

	DestOptions []Option

	Result               *ResultPayload
	Advertisement        *AdvertisementPayload
	AddressResolutionACK *AddressResolutionACKPayload

	// NPDU carries the raw application payload for
	// ENCAPSULATED_NPDU frames.
	NPDU []byte
}

// NeedsBVLCResult reports whether this frame's function code is one
// for which a BVLC RESULT reply is mandated on error: every function
// other than RESULT itself expects a result on failure.
func (d *Decoded) NeedsBVLCResult() bool {
	return d.Function != FuncResult
}

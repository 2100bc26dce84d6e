package bvlcsc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bacnet-sc/node/pkg/bacscid"
)

// Codec encodes and decodes BVLC-SC frames. The state machines depend
// only on this interface; SimpleCodec is the from-scratch
// implementation this module ships so its own tests and demo binary
// can run standalone.
type Codec interface {
	Encode(msg *Decoded) ([]byte, error)
	Decode(b []byte) (*Decoded, error)
}

// ErrMalformed is returned by SimpleCodec.Decode for any frame that
// cannot be parsed.
var ErrMalformed = errors.New("bvlcsc: malformed frame")

// SimpleCodec is a minimal, self-consistent binary encoding of Decoded.
// It is not a wire-compatible rendering of the BACnet/SC ASHRAE 135
// framing; it exists so this repository's state machines can be
// exercised end-to-end without depending on a separate codec module.
type SimpleCodec struct{}

const (
	flagHasOrigin = 1 << 0
	flagHasDest   = 1 << 1
)

// Encode renders msg to bytes.
func (SimpleCodec) Encode(msg *Decoded) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(msg.Function))
	buf = appendUint16(buf, msg.MessageID)

	var flags byte
	if msg.Origin != nil {
		flags |= flagHasOrigin
	}
	if msg.Dest != nil {
		flags |= flagHasDest
	}
	buf = append(buf, flags)
	if msg.Origin != nil {
		buf = append(buf, msg.Origin[:]...)
	}
	if msg.Dest != nil {
		buf = append(buf, msg.Dest[:]...)
	}

	if len(msg.DestOptions) > 255 {
		return nil, fmt.Errorf("%w: too many destination options", ErrMalformed)
	}
	buf = append(buf, byte(len(msg.DestOptions)))
	for _, opt := range msg.DestOptions {
		var ob byte
		if opt.MustUnderstand {
			ob |= 1
		}
		if opt.Understood {
			ob |= 2
		}
		buf = append(buf, ob, opt.PackedHeaderMarker)
	}

	switch msg.Function {
	case FuncResult:
		p := msg.Result
		if p == nil {
			return nil, fmt.Errorf("%w: RESULT without payload", ErrMalformed)
		}
		var hb byte
		if p.HasNAKFunction {
			hb = 1
		}
		buf = append(buf, hb, byte(p.NAKFunction))
		buf = appendUint16(buf, p.ErrorClass)
		buf = appendUint16(buf, p.ErrorCode)
		buf = append(buf, p.OptionMarker)
		buf = appendUint16(buf, uint16(len(p.ErrorDetails)))
		buf = append(buf, []byte(p.ErrorDetails)...)
	case FuncAdvertisement:
		p := msg.Advertisement
		if p == nil {
			return nil, fmt.Errorf("%w: ADVERTISEMENT without payload", ErrMalformed)
		}
		buf = append(buf, byte(p.ConnectionStatus), byte(p.DirectConnectSupport))
		buf = appendUint16(buf, p.MaxBVLCLen)
		buf = appendUint16(buf, p.MaxNPDULen)
	case FuncAdvertisementSolicitation, FuncAddressResolution:
		// No payload beyond the common header.
	case FuncAddressResolutionACK:
		p := msg.AddressResolutionACK
		if p == nil {
			return nil, fmt.Errorf("%w: ADDRESS_RESOLUTION_ACK without payload", ErrMalformed)
		}
		buf = appendUint16(buf, uint16(len(p.WebSocketURIs)))
		buf = append(buf, p.WebSocketURIs...)
	case FuncEncapsulatedNPDU:
		buf = appendUint16(buf, uint16(len(msg.NPDU)))
		buf = append(buf, msg.NPDU...)
	default:
		return nil, fmt.Errorf("%w: unknown function code %d", ErrMalformed, msg.Function)
	}
	return buf, nil
}

// Decode parses b into a Decoded frame.
func (SimpleCodec) Decode(b []byte) (*Decoded, error) {
	r := &reader{b: b}
	fn, err := r.byte()
	if err != nil {
		return nil, err
	}
	msg := &Decoded{Function: FunctionCode(fn)}
	msg.MessageID, err = r.uint16()
	if err != nil {
		return nil, err
	}
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	if flags&flagHasOrigin != 0 {
		v, err := r.vmac()
		if err != nil {
			return nil, err
		}
		msg.Origin = &v
	}
	if flags&flagHasDest != 0 {
		v, err := r.vmac()
		if err != nil {
			return nil, err
		}
		msg.Dest = &v
	}
	optCount, err := r.byte()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(optCount); i++ {
		ob, err := r.byte()
		if err != nil {
			return nil, err
		}
		marker, err := r.byte()
		if err != nil {
			return nil, err
		}
		msg.DestOptions = append(msg.DestOptions, Option{
			MustUnderstand:     ob&1 != 0,
			Understood:         ob&2 != 0,
			PackedHeaderMarker: marker,
		})
	}

	switch msg.Function {
	case FuncResult:
		hb, err := r.byte()
		if err != nil {
			return nil, err
		}
		nakFn, err := r.byte()
		if err != nil {
			return nil, err
		}
		errClass, err := r.uint16()
		if err != nil {
			return nil, err
		}
		errCode, err := r.uint16()
		if err != nil {
			return nil, err
		}
		marker, err := r.byte()
		if err != nil {
			return nil, err
		}
		details, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		msg.Result = &ResultPayload{
			HasNAKFunction: hb == 1,
			NAKFunction:    FunctionCode(nakFn),
			ErrorClass:     errClass,
			ErrorCode:      errCode,
			OptionMarker:   marker,
			ErrorDetails:   string(details),
		}
	case FuncAdvertisement:
		cs, err := r.byte()
		if err != nil {
			return nil, err
		}
		ds, err := r.byte()
		if err != nil {
			return nil, err
		}
		maxBVLC, err := r.uint16()
		if err != nil {
			return nil, err
		}
		maxNPDU, err := r.uint16()
		if err != nil {
			return nil, err
		}
		msg.Advertisement = &AdvertisementPayload{
			ConnectionStatus:     ConnectionStatus(cs),
			DirectConnectSupport: DirectConnectSupport(ds),
			MaxBVLCLen:           maxBVLC,
			MaxNPDULen:           maxNPDU,
		}
	case FuncAdvertisementSolicitation, FuncAddressResolution:
		// No payload.
	case FuncAddressResolutionACK:
		uris, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		msg.AddressResolutionACK = &AddressResolutionACKPayload{WebSocketURIs: uris}
	case FuncEncapsulatedNPDU:
		npdu, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		msg.NPDU = npdu
	default:
		return nil, fmt.Errorf("%w: unknown function code %d", ErrMalformed, fn)
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return msg, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

type reader struct {
	b   []byte
	pos int
}

func (r *reader) done() bool { return r.pos == len(r.b) }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.pos+2 > len(r.b) {
		return 0, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	v := binary.BigEndian.Uint16(r.b[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *reader) vmac() (bacscid.VMAC, error) {
	var v bacscid.VMAC
	if r.pos+bacscid.VMACSize > len(r.b) {
		return v, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	copy(v[:], r.b[r.pos:r.pos+bacscid.VMACSize])
	r.pos += bacscid.VMACSize
	return v, nil
}

func (r *reader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.b) {
		return nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	v := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

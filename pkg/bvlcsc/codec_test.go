package bvlcsc

import (
	"bytes"
	"testing"

	"github.com/bacnet-sc/node/pkg/bacscid"
)

func TestSimpleCodecRoundTripEncapsulatedNPDU(t *testing.T) {
	origin := bacscid.VMAC{1, 2, 3, 4, 5, 6}
	dest := bacscid.VMAC{6, 5, 4, 3, 2, 1}
	msg := &Decoded{
		MessageID: 42,
		Function:  FuncEncapsulatedNPDU,
		Origin:    &origin,
		Dest:      &dest,
		NPDU:      []byte{0xde, 0xad, 0xbe, 0xef},
	}

	var c SimpleCodec
	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MessageID != msg.MessageID || got.Function != msg.Function {
		t.Fatalf("header mismatch: %+v", got)
	}
	if *got.Origin != *msg.Origin || *got.Dest != *msg.Dest {
		t.Fatalf("vmac mismatch: %+v", got)
	}
	if !bytes.Equal(got.NPDU, msg.NPDU) {
		t.Fatalf("NPDU mismatch: %x vs %x", got.NPDU, msg.NPDU)
	}
}

func TestSimpleCodecRoundTripMustUnderstandOption(t *testing.T) {
	msg := &Decoded{
		MessageID: 1,
		Function:  FuncEncapsulatedNPDU,
		DestOptions: []Option{
			{MustUnderstand: true, PackedHeaderMarker: 0x07},
		},
		NPDU: []byte{1},
	}
	var c SimpleCodec
	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.DestOptions) != 1 || !got.DestOptions[0].MustUnderstand || got.DestOptions[0].PackedHeaderMarker != 0x07 {
		t.Fatalf("option mismatch: %+v", got.DestOptions)
	}
}

func TestSimpleCodecRoundTripResult(t *testing.T) {
	msg := &Decoded{
		MessageID: 7,
		Function:  FuncResult,
		Result: &ResultPayload{
			HasNAKFunction: true,
			NAKFunction:    FuncAddressResolution,
			ErrorClass:     ErrorClassCommunication,
			ErrorCode:      ErrorCodeHeaderNotUnderstood,
			ErrorDetails:   "boom",
		},
	}
	var c SimpleCodec
	b, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Result == nil || got.Result.ErrorDetails != "boom" || got.Result.NAKFunction != FuncAddressResolution {
		t.Fatalf("result mismatch: %+v", got.Result)
	}
}

func TestSimpleCodecDecodeTruncated(t *testing.T) {
	var c SimpleCodec
	if _, err := c.Decode([]byte{byte(FuncEncapsulatedNPDU)}); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

// Package bacscid holds the BACnet/SC identity and configuration value
// types: VMAC, UUID, node configuration, tick-sampled deadlines, and the
// address-resolution table. None of these types carry behavior beyond
// their own invariants; the state machines in pkg/hubconnector,
// pkg/hubfunction, pkg/nodeswitch, and pkg/node consume them.
package bacscid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// VMACSize is the length in bytes of a virtual MAC address.
const VMACSize = 6

// VMAC is a BACnet/SC virtual link-layer identifier.
type VMAC [VMACSize]byte

// String renders the VMAC as colon-separated hex, e.g. "01:02:03:04:05:06".
func (v VMAC) String() string {
	enc := hex.EncodeToString(v[:])
	out := make([]byte, 0, VMACSize*3-1)
	for i := 0; i < len(enc); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, enc[i], enc[i+1])
	}
	return string(out)
}

// ParseVMAC parses the colon-separated hex form produced by String.
func ParseVMAC(s string) (VMAC, error) {
	var v VMAC
	if len(s) != VMACSize*3-1 {
		return VMAC{}, fmt.Errorf("bad VMAC %q: want %d colon-separated hex octets", s, VMACSize)
	}
	for i := 0; i < VMACSize; i++ {
		if i > 0 && s[i*3-1] != ':' {
			return VMAC{}, fmt.Errorf("bad VMAC %q: missing separator", s)
		}
		b, err := hex.DecodeString(s[i*3 : i*3+2])
		if err != nil {
			return VMAC{}, fmt.Errorf("bad VMAC %q: %w", s, err)
		}
		v[i] = b[0]
	}
	return v, nil
}

// IsZero reports whether v is the zero VMAC.
func (v VMAC) IsZero() bool {
	return v == VMAC{}
}

// GenerateVMAC produces a randomized VMAC. Used at Init time when the
// caller did not supply one, and by the Node Supervisor on restart
// after a duplicate-VMAC collision.
func GenerateVMAC(r io.Reader) (VMAC, error) {
	if r == nil {
		r = rand.Reader
	}
	var v VMAC
	if _, err := io.ReadFull(r, v[:]); err != nil {
		return VMAC{}, err
	}
	return v, nil
}

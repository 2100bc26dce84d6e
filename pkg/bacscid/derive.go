package bacscid

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveVMACInfo is the HKDF info string for deterministic VMAC
// derivation.
var deriveVMACInfo = []byte("BACnetSCVMAC")

// DeriveVMACSeed derives a deterministic VMAC from a node's UUID and an
// operator-supplied salt, for deployments that want a stable (not
// randomized) VMAC across restarts instead of the default
// GenerateVMAC-at-Init behavior. It has no role in the duplicate-VMAC
// restart path, which always draws a fresh random VMAC.
func DeriveVMACSeed(id UUID, salt []byte) (VMAC, error) {
	b := id.Bytes()
	kdf := hkdf.New(sha256.New, b[:], salt, deriveVMACInfo)
	var v VMAC
	if _, err := io.ReadFull(kdf, v[:]); err != nil {
		return VMAC{}, err
	}
	return v, nil
}

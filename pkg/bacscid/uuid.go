package bacscid

import "github.com/google/uuid"

// UUID is the 16-byte stable device identity. It wraps
// google/uuid so it round-trips through the standard textual UUID
// representation used elsewhere in the BACnet/SC ecosystem.
type UUID struct {
	inner uuid.UUID
}

// NewUUID generates a random (v4) UUID.
func NewUUID() UUID {
	return UUID{inner: uuid.New()}
}

// ParseUUID parses the standard 36-character textual representation.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUID{inner: u}, nil
}

// Bytes returns the raw 16-byte representation.
func (u UUID) Bytes() [16]byte {
	return u.inner
}

// String returns the standard textual representation.
func (u UUID) String() string {
	return u.inner.String()
}

// IsZero reports whether u is the nil UUID.
func (u UUID) IsZero() bool {
	return u.inner == uuid.Nil
}

// Package corebsc defines the contracts shared by the BACnet/SC
// datalink state machines: the abstract connection API a transport must
// satisfy, the event types each component emits, and the coarse-grained
// error taxonomy they all return.
package corebsc

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every sub-component. Wrap with fmt.Errorf
// ("%w: ...") to add component-specific context.
var (
	// ErrBadParam is returned when a caller violates a precondition on
	// an entry point.
	ErrBadParam = errors.New("corebsc: bad parameter")

	// ErrNoResources is returned when a fixed-size pool is exhausted.
	ErrNoResources = errors.New("corebsc: no resources available")

	// ErrInvalidOperation is returned when an operation is issued in a
	// state that does not permit it.
	ErrInvalidOperation = errors.New("corebsc: invalid operation for current state")

	// ErrDuplicatedVMAC is returned when a peer asserts a VMAC already
	// in use. Fatal for the affected sub-component.
	ErrDuplicatedVMAC = errors.New("corebsc: duplicated VMAC")
)

// TransportError wraps a transport-layer failure (connect failure, TLS
// error, unexpected close) as reported through DISCONNECTED(reason).
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corebsc: transport error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("corebsc: transport error (%s)", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsDuplicatedVMAC reports whether err (or its TransportError.Reason) is
// the duplicate-VMAC condition.
func IsDuplicatedVMAC(err error) bool {
	if errors.Is(err, ErrDuplicatedVMAC) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Reason == ReasonDuplicatedVMAC
	}
	return false
}

// Well-known DISCONNECTED reasons.
const (
	ReasonDuplicatedVMAC = "duplicated_vmac"
	ReasonTimeout        = "timeout"
	ReasonRefused        = "refused"
	ReasonClosed         = "closed"
	ReasonTLSError       = "tls_error"
)

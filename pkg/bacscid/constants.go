package bacscid

// Compile-time configuration constants.
const (
	// MaxNodes bounds the fixed-size node pool behind pkg/node.Init.
	MaxNodes = 16

	// MaxDirectConnections bounds the per-node address-resolution table
	// and the Node Switch's connected-peer set.
	MaxDirectConnections = 32

	// MaxURISizeInAddressResolutionACK bounds a single URL accepted from
	// an ADDRESS_RESOLUTION_ACK payload; longer tokens are silently
	// skipped.
	MaxURISizeInAddressResolutionACK = 256

	// MaxWSURLLen bounds a configured primary/failover hub URL.
	MaxWSURLLen = 512

	// BVLCSCNPDUBufferSize bounds a single encoded BVLC-SC frame.
	BVLCSCNPDUBufferSize = 4096

	// MaxURLsPerResolutionEntry bounds the URL list stored per VMAC.
	MaxURLsPerResolutionEntry = 8
)

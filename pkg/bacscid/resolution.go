package bacscid

import (
	"sync"
	"time"

	"github.com/bacnet-sc/node/pkg/corebsc"
)

// ResolutionEntry is a per-peer address-resolution record. At most one
// entry exists per VMAC at any time.
type ResolutionEntry struct {
	VMAC       VMAC
	URLs       []string
	FreshUntil time.Time
}

// Fresh reports whether the entry's freshness window has not yet
// elapsed.
func (e *ResolutionEntry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.FreshUntil)
}

// ResolutionTable is the fixed-capacity per-node address-resolution
// table.
type ResolutionTable struct {
	mu      sync.Mutex
	cap     int
	entries map[VMAC]*ResolutionEntry
}

// NewResolutionTable creates a table with the given capacity. A
// capacity <= 0 defaults to MaxDirectConnections.
func NewResolutionTable(capacity int) *ResolutionTable {
	if capacity <= 0 {
		capacity = MaxDirectConnections
	}
	return &ResolutionTable{
		cap:     capacity,
		entries: make(map[VMAC]*ResolutionEntry),
	}
}

// Get returns the entry for vmac if present, regardless of freshness.
func (t *ResolutionTable) Get(vmac VMAC) *ResolutionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[vmac]
}

// GetFresh returns the entry for vmac if present and still fresh at
// now (nil if expired or absent).
func (t *ResolutionTable) GetFresh(vmac VMAC, now time.Time) *ResolutionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[vmac]
	if !ok || !e.Fresh(now) {
		return nil
	}
	return e
}

// GetOrAlloc returns the existing entry for vmac, or allocates a new
// (empty) one if there is capacity. Returns corebsc.ErrNoResources if the
// table is full and vmac has no existing entry.
func (t *ResolutionTable) GetOrAlloc(vmac VMAC) (*ResolutionEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[vmac]; ok {
		return e, nil
	}
	if len(t.entries) >= t.cap {
		return nil, corebsc.ErrNoResources
	}
	e := &ResolutionEntry{VMAC: vmac}
	t.entries[vmac] = e
	return e, nil
}

// Clear removes every entry (used on Node Supervisor restart/stop).
func (t *ResolutionTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[VMAC]*ResolutionEntry)
}

// SweepExpired drops entries whose freshness window has elapsed.
// Called from the Node Supervisor's ProcessState tick.
func (t *ResolutionTable) SweepExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for vmac, e := range t.entries {
		if !e.Fresh(now) {
			delete(t.entries, vmac)
		}
	}
}

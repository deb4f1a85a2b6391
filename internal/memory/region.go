package memory

import "github.com/awnumar/memguard"

// Region is a page-aligned mapping with tracked protection state.
//
// A Region is not safe for concurrent use; its owner serializes access.
type Region struct {
	mem      []byte
	size     int
	state    Protection
	locked   bool
	released bool
}

// Bytes returns the usable part of the region. Touching it while the
// region is NoAccess faults the process.
func (r *Region) Bytes() []byte {
	if r.released {
		return nil
	}
	return r.mem[:r.size]
}

// Size is the number of usable bytes requested at allocation.
func (r *Region) Size() int { return r.size }

// Cap is the mapped length, a whole number of pages.
func (r *Region) Cap() int { return len(r.mem) }

// State returns the current protection.
func (r *Region) State() Protection { return r.state }

// Locked reports whether the pages are pinned in RAM.
func (r *Region) Locked() bool { return r.locked }

// Released reports whether the region has been wiped and unmapped.
func (r *Region) Released() bool { return r.released }

// Wipe zero-fills the whole mapping. The region must be ReadWrite.
func (r *Region) Wipe() error {
	if r.released {
		return ErrRegionReleased
	}
	if r.state != ReadWrite {
		return ErrProtectionDenied
	}
	memguard.WipeBytes(r.mem)
	return nil
}

package memory

import "errors"

var (
	// ErrAllocationFailed is returned when the platform cannot map, lock or
	// initially protect a region.
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrProtectionDenied is returned when the platform rejects a protection
	// change. The caller must treat the region as possibly exposed.
	ErrProtectionDenied = errors.New("protection denied")
	// ErrRegionReleased is returned for operations on a released region.
	ErrRegionReleased = errors.New("region already released")
)

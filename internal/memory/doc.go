// Package memory allocates guarded regions for secret material.
//
// A Region is a page-aligned mapping obtained from the operating system
// outside the Go heap. Regions are:
//
//   - Zero-filled on allocation and on release
//   - Locked into RAM (mlock / VirtualLock) so they are never swapped
//   - Excluded from core dumps, and on Linux wiped in forked children
//   - Kept at NoAccess protection whenever nobody is using them
//
// # Usage
//
//	alloc := memory.NewAllocator()
//	region, err := alloc.Allocate(64)
//	if err != nil {
//	    // ErrAllocationFailed: usually RLIMIT_MEMLOCK is too low
//	}
//	defer alloc.Release(region)
//
//	if err := alloc.Protect(region, memory.ReadWrite); err != nil {
//	    // ErrProtectionDenied: never continue with the secret exposed
//	}
//	copy(region.Bytes(), secret)
//	_ = alloc.Protect(region, memory.NoAccess)
//
// Release always wipes, even when an earlier step of the same teardown
// failed. Prefer WithRegion, which releases on every exit path.
package memory

package memory

import (
	"os"

	"github.com/awnumar/memcall"
)

// Platform is the operating-system surface the Allocator relies on.
// System is the real implementation; memtest provides an in-heap fake.
type Platform interface {
	// Alloc maps n bytes of anonymous read-write memory.
	Alloc(n int) ([]byte, error)
	// Free unmaps memory returned by Alloc.
	Free(b []byte) error
	// Lock pins the pages into RAM and excludes them from core dumps.
	Lock(b []byte) error
	// Unlock reverses Lock.
	Unlock(b []byte) error
	// Protect changes the access protection of the pages.
	Protect(b []byte, p Protection) error
	// PageSize returns the granularity of Alloc and Protect.
	PageSize() int
}

// System returns the platform backed by memcall system calls.
func System() Platform {
	return systemPlatform{}
}

type systemPlatform struct{}

func (systemPlatform) Alloc(n int) ([]byte, error) { return memcall.Alloc(n) }

func (systemPlatform) Free(b []byte) error { return memcall.Free(b) }

func (systemPlatform) Lock(b []byte) error {
	if err := memcall.Lock(b); err != nil {
		return err
	}
	// Best effort: older kernels do not know MADV_WIPEONFORK.
	_ = adviseWipeOnFork(b)
	return nil
}

func (systemPlatform) Unlock(b []byte) error { return memcall.Unlock(b) }

func (systemPlatform) Protect(b []byte, p Protection) error {
	return memcall.Protect(b, p.flag())
}

func (systemPlatform) PageSize() int { return os.Getpagesize() }

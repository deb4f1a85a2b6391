package memory

import (
	"errors"
	"fmt"
	"math"

	"github.com/awnumar/memguard"
)

// Allocator hands out guarded regions from a Platform.
type Allocator struct {
	platform    Platform
	requireLock bool
	pageSize    int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithPlatform replaces the system platform, mostly for tests.
func WithPlatform(p Platform) Option {
	return func(a *Allocator) {
		a.platform = p
	}
}

// WithLockRequired controls whether a failed mlock aborts the allocation.
// When false the region is returned unlocked and Region.Locked reports it.
func WithLockRequired(required bool) Option {
	return func(a *Allocator) {
		a.requireLock = required
	}
}

// NewAllocator creates an allocator. By default it uses the system platform
// and refuses to hand out memory it could not lock.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		platform:    System(),
		requireLock: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.pageSize = a.platform.PageSize()
	if a.pageSize <= 0 {
		a.pageSize = 4096
	}
	return a
}

// PageSize returns the allocation granularity.
func (a *Allocator) PageSize() int { return a.pageSize }

// LockRequired reports whether unlocked regions are refused.
func (a *Allocator) LockRequired() bool { return a.requireLock }

// Allocate reserves at least size bytes, zero-filled, locked and NoAccess.
func (a *Allocator) Allocate(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrAllocationFailed, size)
	}
	if size > math.MaxInt-a.pageSize {
		return nil, fmt.Errorf("%w: size %d too large", ErrAllocationFailed, size)
	}

	n := roundUp(size, a.pageSize)
	mem, err := a.platform.Alloc(n)
	if err != nil {
		return nil, fmt.Errorf("%w: map %d bytes: %w", ErrAllocationFailed, n, err)
	}
	memguard.WipeBytes(mem)

	r := &Region{mem: mem, size: size, state: ReadWrite}

	if err := a.platform.Lock(mem); err != nil {
		if a.requireLock {
			_ = a.platform.Free(mem)
			return nil, fmt.Errorf("%w: lock %d bytes: %w", ErrAllocationFailed, n, err)
		}
	} else {
		r.locked = true
	}

	if err := a.platform.Protect(mem, NoAccess); err != nil {
		_ = a.Release(r)
		return nil, fmt.Errorf("%w: initial protection: %w", ErrAllocationFailed, err)
	}
	r.state = NoAccess

	return r, nil
}

// Protect moves the region to the given protection state.
func (a *Allocator) Protect(r *Region, p Protection) error {
	if r.released {
		return ErrRegionReleased
	}
	if r.state == p {
		return nil
	}
	if err := a.platform.Protect(r.mem, p); err != nil {
		return fmt.Errorf("%w: %s -> %s: %w", ErrProtectionDenied, r.state, p, err)
	}
	r.state = p
	return nil
}

// Release wipes the region and returns it to the platform. Every step is
// attempted even when an earlier one failed; the failures are joined.
// Releasing a released region is a no-op.
func (a *Allocator) Release(r *Region) error {
	if r == nil || r.released {
		return nil
	}

	var errs []error

	writable := r.state == ReadWrite
	if !writable {
		if err := a.platform.Protect(r.mem, ReadWrite); err != nil {
			errs = append(errs, fmt.Errorf("%w: unprotect for wipe: %w", ErrProtectionDenied, err))
		} else {
			r.state = ReadWrite
			writable = true
		}
	}
	if writable {
		memguard.WipeBytes(r.mem)
	}

	if r.locked {
		if err := a.platform.Unlock(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("unlock: %w", err))
		}
		r.locked = false
	}

	// Free unprotects and wipes once more before unmapping.
	if err := a.platform.Free(r.mem); err != nil {
		errs = append(errs, fmt.Errorf("unmap: %w", err))
	}

	r.released = true
	r.mem = nil

	return errors.Join(errs...)
}

// WithRegion allocates a region, runs fn and releases the region on every
// exit path, panics included.
func (a *Allocator) WithRegion(size int, fn func(*Region) error) (err error) {
	r, err := a.Allocate(size)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := a.Release(r); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(r)
}

func roundUp(n, page int) int {
	return (n + page - 1) / page * page
}

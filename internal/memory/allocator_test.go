package memory_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/memory/memtest"
)

func newFake(t *testing.T, opts ...memory.Option) (*memory.Allocator, *memtest.Platform) {
	t.Helper()
	p := memtest.New()
	opts = append([]memory.Option{memory.WithPlatform(p)}, opts...)
	return memory.NewAllocator(opts...), p
}

func TestAllocate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{name: "single byte rounds to a page", size: 1, wantCap: 4096},
		{name: "exact page", size: 4096, wantCap: 4096},
		{name: "one past a page", size: 4097, wantCap: 8192},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			alloc, p := newFake(t)
			r, err := alloc.Allocate(tt.size)
			require.NoError(t, err)

			assert.Equal(t, tt.size, r.Size())
			assert.Equal(t, tt.wantCap, r.Cap())
			assert.Equal(t, memory.NoAccess, r.State())
			assert.True(t, r.Locked())
			assert.False(t, r.Released())

			mappings := p.LiveMappings()
			require.Len(t, mappings, 1)
			state, ok := p.State(mappings[0])
			require.True(t, ok)
			assert.Equal(t, memory.NoAccess, state)
			assert.True(t, p.Locked(mappings[0]))
			assert.True(t, memtest.AllZero(mappings[0]))
		})
	}
}

func TestAllocate_InvalidSize(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	for _, size := range []int{0, -1, math.MaxInt, math.MaxInt - 1} {
		_, err := alloc.Allocate(size)
		assert.ErrorIs(t, err, memory.ErrAllocationFailed)
	}
	assert.Zero(t, p.Live())
}

func TestAllocate_PlatformFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	t.Run("map failure", func(t *testing.T) {
		t.Parallel()
		alloc, p := newFake(t)
		p.FailAlloc(boom)

		_, err := alloc.Allocate(16)
		assert.ErrorIs(t, err, memory.ErrAllocationFailed)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("lock failure when required", func(t *testing.T) {
		t.Parallel()
		alloc, p := newFake(t)
		p.FailLock(boom)

		_, err := alloc.Allocate(16)
		assert.ErrorIs(t, err, memory.ErrAllocationFailed)
		assert.Zero(t, p.Live(), "unlocked mapping must be returned")
		assert.Len(t, p.Freed(), 1)
	})

	t.Run("lock failure degrades when not required", func(t *testing.T) {
		t.Parallel()
		alloc, p := newFake(t, memory.WithLockRequired(false))
		p.FailLock(boom)

		r, err := alloc.Allocate(16)
		require.NoError(t, err)
		assert.False(t, r.Locked())
		assert.Equal(t, memory.NoAccess, r.State())
	})

	t.Run("initial protection failure", func(t *testing.T) {
		t.Parallel()
		alloc, p := newFake(t)
		p.FailProtect(memory.NoAccess, boom)

		_, err := alloc.Allocate(16)
		assert.ErrorIs(t, err, memory.ErrAllocationFailed)
		assert.Zero(t, p.Live())
	})
}

func TestProtect(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	r, err := alloc.Allocate(32)
	require.NoError(t, err)

	require.NoError(t, alloc.Protect(r, memory.ReadWrite))
	assert.Equal(t, memory.ReadWrite, r.State())

	copy(r.Bytes(), "secret")
	require.NoError(t, alloc.Protect(r, memory.ReadOnly))
	assert.Equal(t, memory.ReadOnly, r.State())

	calls := p.ProtectCalls()
	require.NoError(t, alloc.Protect(r, memory.ReadOnly))
	assert.Equal(t, calls, p.ProtectCalls(), "no-op transition must not reach the platform")
}

func TestProtect_DeniedIsSurfaced(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	r, err := alloc.Allocate(32)
	require.NoError(t, err)

	boom := errors.New("EACCES")
	p.FailProtect(memory.ReadWrite, boom)

	err = alloc.Protect(r, memory.ReadWrite)
	assert.ErrorIs(t, err, memory.ErrProtectionDenied)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, memory.NoAccess, r.State(), "state must not change on denial")
}

func TestProtect_ReleasedRegion(t *testing.T) {
	t.Parallel()

	alloc, _ := newFake(t)
	r, err := alloc.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, alloc.Release(r))

	assert.ErrorIs(t, alloc.Protect(r, memory.ReadWrite), memory.ErrRegionReleased)
	assert.Nil(t, r.Bytes())
}

func TestRelease_WipesBeforeFree(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	r, err := alloc.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, alloc.Protect(r, memory.ReadWrite))
	copy(r.Bytes(), "hunter2-hunter2-hunter2")
	require.NoError(t, alloc.Protect(r, memory.NoAccess))

	// A failing unmap keeps the mapping alive so the wipe can be inspected.
	boom := errors.New("munmap failed")
	p.FailFree(boom)

	err = alloc.Release(r)
	assert.ErrorIs(t, err, boom)
	assert.True(t, r.Released())

	mappings := p.LiveMappings()
	require.Len(t, mappings, 1)
	assert.True(t, memtest.AllZero(mappings[0]))
}

func TestRelease_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	r, err := alloc.Allocate(64)
	require.NoError(t, err)

	denied := errors.New("mprotect denied")
	unlockErr := errors.New("munlock failed")
	p.FailProtect(memory.ReadWrite, denied)
	p.FailUnlock(unlockErr)

	err = alloc.Release(r)
	assert.ErrorIs(t, err, memory.ErrProtectionDenied)
	assert.ErrorIs(t, err, denied)
	assert.ErrorIs(t, err, unlockErr)

	assert.Len(t, p.Freed(), 1, "unmap must run even after earlier failures")
	assert.True(t, memtest.AllZero(p.Freed()[0]))
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	r, err := alloc.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, alloc.Release(r))
	require.NoError(t, alloc.Release(r))
	require.NoError(t, alloc.Release(nil))
	assert.Len(t, p.Freed(), 1)
}

func TestWithRegion_ReleasesOnPanic(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)

	assert.Panics(t, func() {
		_ = alloc.WithRegion(32, func(r *memory.Region) error {
			panic("boom")
		})
	})
	assert.Zero(t, p.Live())
	assert.Len(t, p.Freed(), 1)
}

func TestWithRegion_JoinsErrors(t *testing.T) {
	t.Parallel()

	alloc, p := newFake(t)
	fnErr := errors.New("fn failed")
	freeErr := errors.New("free failed")
	p.FailFree(freeErr)

	err := alloc.WithRegion(32, func(r *memory.Region) error {
		return fnErr
	})
	assert.ErrorIs(t, err, fnErr)
	assert.ErrorIs(t, err, freeErr)
}

func TestRegion_Wipe(t *testing.T) {
	t.Parallel()

	alloc, _ := newFake(t)
	r, err := alloc.Allocate(16)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Wipe(), memory.ErrProtectionDenied)

	require.NoError(t, alloc.Protect(r, memory.ReadWrite))
	copy(r.Bytes(), "abc")
	require.NoError(t, r.Wipe())
	assert.True(t, memtest.AllZero(r.Bytes()))
}

func TestSystemPlatform(t *testing.T) {
	t.Parallel()

	alloc := memory.NewAllocator(memory.WithLockRequired(false))
	assert.Greater(t, alloc.PageSize(), 0)

	r, err := alloc.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, alloc.PageSize(), r.Cap())

	require.NoError(t, alloc.Protect(r, memory.ReadWrite))
	assert.True(t, memtest.AllZero(r.Bytes()))
	copy(r.Bytes(), "system secret")
	assert.Equal(t, "system secret", string(r.Bytes()[:13]))

	require.NoError(t, alloc.Protect(r, memory.NoAccess))
	require.NoError(t, alloc.Release(r))
	assert.True(t, r.Released())
}

func TestProtectionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no-access", memory.NoAccess.String())
	assert.Equal(t, "read-only", memory.ReadOnly.String())
	assert.Equal(t, "read-write", memory.ReadWrite.String())
	assert.Equal(t, "unknown", memory.Protection(42).String())
}

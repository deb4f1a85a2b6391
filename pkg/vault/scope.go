package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/metrics"
)

// Scope grants access to an open buffer until Close. It is not reentrant
// and must not be used after Close; every use then fails with
// ErrScopeExpired.
type Scope struct {
	b      *Buffer
	opened time.Time
	closed bool // guarded by b.mu
}

// Buffer returns the buffer this scope opened.
func (s *Scope) Buffer() *Buffer { return s.b }

// Close seals the buffer under the current session key and makes its pages
// inaccessible. If sealing fails the plaintext is wiped and the buffer is
// destroyed, so the buffer never stays readable.
func (s *Scope) Close() error {
	if s == nil {
		return ErrScopeExpired
	}
	b := s.b

	b.mu.Lock()
	if s.closed || b.scope != s {
		b.mu.Unlock()
		return ErrScopeExpired
	}
	s.closed = true
	b.scope = nil

	if err := b.sealLocked(); err != nil {
		derr := b.destroyLocked()
		owner := b.owner
		b.mu.Unlock()

		b.v.registry.Unregister(b.id)
		b.v.metrics.BufferDestroyed(metrics.ReasonSealFailure)
		b.v.log.Warn("Buffer %s (%s) destroyed after failing to seal: %v", b.id, owner, err)
		return errors.Join(fmt.Errorf("close scope: %w", err), derr)
	}
	b.state = StateSealed
	b.mu.Unlock()

	b.release()
	return nil
}

// sealLocked encrypts the payload under the current key generation and
// drops the generation it was previously sealed under.
func (b *Buffer) sealLocked() error {
	gen, err := b.v.acquireGen()
	if err != nil {
		return err
	}

	err = gen.c.Seal(b.region.Bytes(), b.capacity, b.id[:])
	b.v.metrics.CipherOperation("seal", err)
	if err != nil {
		return errors.Join(err, b.v.releaseGen(gen))
	}
	b.v.metrics.SealBudget(gen.c.Remaining())

	old := b.gen
	b.gen = gen
	if err := b.v.releaseGen(old); err != nil {
		b.v.log.Warn("Failed to wipe rotated session key: %v", err)
	}
	return b.v.alloc.Protect(b.region, memory.NoAccess)
}

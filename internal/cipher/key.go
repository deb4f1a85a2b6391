package cipher

import (
	"errors"

	"github.com/awnumar/memguard"
	"github.com/systmms/volatileguard/internal/memory"
)

// KeySize is the length of a session key.
const KeySize = 32

// SessionKey is random key material held in a guarded region.
type SessionKey struct {
	alloc  *memory.Allocator
	region *memory.Region
}

// NewSessionKey generates a key directly inside a fresh region.
func NewSessionKey(alloc *memory.Allocator) (*SessionKey, error) {
	r, err := alloc.Allocate(KeySize)
	if err != nil {
		return nil, err
	}
	if err := alloc.Protect(r, memory.ReadWrite); err != nil {
		return nil, errors.Join(err, alloc.Release(r))
	}
	memguard.ScrambleBytes(r.Bytes())
	if err := alloc.Protect(r, memory.NoAccess); err != nil {
		return nil, errors.Join(err, alloc.Release(r))
	}
	return &SessionKey{alloc: alloc, region: r}, nil
}

// With exposes the key read-only for the duration of fn. Callers must not
// retain the slice. With is not safe for concurrent use.
func (k *SessionKey) With(fn func(key []byte) error) (err error) {
	if k.region == nil || k.region.Released() {
		return ErrClosed
	}
	if err := k.alloc.Protect(k.region, memory.ReadOnly); err != nil {
		return err
	}
	defer func() {
		if perr := k.alloc.Protect(k.region, memory.NoAccess); perr != nil {
			err = errors.Join(err, perr)
		}
	}()
	return fn(k.region.Bytes())
}

// Destroy wipes and releases the key. It is idempotent.
func (k *SessionKey) Destroy() error {
	return k.alloc.Release(k.region)
}

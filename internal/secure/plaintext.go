package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Plaintext is a read-only, locked copy of secret bytes.
type Plaintext struct {
	buf *memguard.LockedBuffer
	mu  sync.RWMutex
	// destroyed allows idempotent Destroy and stops use after destroy
	destroyed bool
}

// Copy places a copy of data in locked memory. data itself is left
// untouched; wiping it is the caller's job.
func Copy(data []byte) *Plaintext {
	if len(data) == 0 {
		return &Plaintext{}
	}

	buf := memguard.NewBuffer(len(data))
	buf.Copy(data)
	buf.Freeze()

	return &Plaintext{buf: buf}
}

// Bytes returns the protected bytes, or nil after Destroy. The slice is
// only valid until Destroy.
func (p *Plaintext) Bytes() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.destroyed || p.buf == nil {
		return nil
	}
	return p.buf.Bytes()
}

// Size returns the number of bytes held.
func (p *Plaintext) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.destroyed || p.buf == nil {
		return 0
	}
	return p.buf.Size()
}

// Destroy wipes and releases the copy. It is idempotent.
func (p *Plaintext) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	if p.buf != nil {
		p.buf.Destroy()
		p.buf = nil
	}
	p.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (p *Plaintext) Destroyed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destroyed
}

// Package memtest provides an in-heap memory.Platform for tests.
//
// Unlike the system platform it never unmaps anything: released memory is
// kept so tests can check that it was wiped, and protection changes are
// recorded rather than enforced.
package memtest

import (
	"sync"

	"github.com/systmms/volatileguard/internal/memory"
)

// Platform is a fake memory.Platform. The zero value is not usable; call New.
type Platform struct {
	mu sync.Mutex

	pageSize int
	live     map[*byte][]byte
	states   map[*byte]memory.Protection
	locked   map[*byte]bool
	freed    [][]byte

	failAlloc   error
	failLock    error
	failUnlock  error
	failFree    error
	failProtect map[memory.Protection]error

	protectCalls int
}

// New returns a fake platform with a 4 KiB page size.
func New() *Platform {
	return &Platform{
		pageSize:    4096,
		live:        make(map[*byte][]byte),
		states:      make(map[*byte]memory.Protection),
		locked:      make(map[*byte]bool),
		failProtect: make(map[memory.Protection]error),
	}
}

func (p *Platform) Alloc(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAlloc != nil {
		return nil, p.failAlloc
	}
	b := make([]byte, n)
	p.live[&b[0]] = b
	p.states[&b[0]] = memory.ReadWrite
	return b, nil
}

func (p *Platform) Free(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFree != nil {
		return p.failFree
	}
	for i := range b {
		b[i] = 0
	}
	delete(p.live, &b[0])
	delete(p.states, &b[0])
	delete(p.locked, &b[0])
	p.freed = append(p.freed, b)
	return nil
}

func (p *Platform) Lock(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLock != nil {
		return p.failLock
	}
	p.locked[&b[0]] = true
	return nil
}

func (p *Platform) Unlock(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUnlock != nil {
		return p.failUnlock
	}
	delete(p.locked, &b[0])
	return nil
}

func (p *Platform) Protect(b []byte, mode memory.Protection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.protectCalls++
	if err := p.failProtect[mode]; err != nil {
		return err
	}
	p.states[&b[0]] = mode
	return nil
}

func (p *Platform) PageSize() int { return p.pageSize }

// FailAlloc makes every Alloc return err. Pass nil to clear.
func (p *Platform) FailAlloc(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAlloc = err
}

// FailLock makes every Lock return err. Pass nil to clear.
func (p *Platform) FailLock(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failLock = err
}

// FailUnlock makes every Unlock return err. Pass nil to clear.
func (p *Platform) FailUnlock(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUnlock = err
}

// FailFree makes every Free return err without wiping. Pass nil to clear.
func (p *Platform) FailFree(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFree = err
}

// FailProtect makes transitions to mode return err. Pass nil to clear.
func (p *Platform) FailProtect(mode memory.Protection, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failProtect, mode)
		return
	}
	p.failProtect[mode] = err
}

// State returns the last protection applied to the mapping starting at b.
func (p *Platform) State(b []byte) (memory.Protection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[&b[0]]
	return s, ok
}

// Locked reports whether the mapping starting at b is locked.
func (p *Platform) Locked(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked[&b[0]]
}

// Live returns the number of mappings not yet freed.
func (p *Platform) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// LiveMappings returns the mappings not yet freed. Tests use it to tamper
// with sealed ciphertext.
func (p *Platform) LiveMappings() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, len(p.live))
	for _, b := range p.live {
		out = append(out, b)
	}
	return out
}

// Freed returns every mapping passed to Free, in order.
func (p *Platform) Freed() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.freed))
	copy(out, p.freed)
	return out
}

// ProtectCalls counts Protect invocations, failed ones included.
func (p *Platform) ProtectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protectCalls
}

// AllZero reports whether every byte of b is zero.
func AllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/systmms/volatileguard/internal/cipher"
	"github.com/systmms/volatileguard/internal/lifecycle"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/metrics"
	"github.com/systmms/volatileguard/internal/secure"
)

// State is the lifecycle state of a Buffer.
type State int

const (
	// StateSealed means the contents are encrypted and the pages NoAccess.
	StateSealed State = iota
	// StateOpen means a Scope is open and the contents are plaintext.
	StateOpen
	// StateDestroyed means the region was wiped and released.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSealed:
		return "sealed"
	case StateOpen:
		return "open"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Buffer holds one secret of bounded capacity in a guarded region. Its
// contents are reachable only through a Scope.
type Buffer struct {
	v        *Vault
	id       uuid.UUID
	created  time.Time
	capacity int

	// gate holds a token while a scope is open. done is closed on destroy
	// to wake waiters.
	gate chan struct{}
	done chan struct{}

	// mu guards everything below. It is held only for bounded memory
	// operations, never while waiting for the gate.
	mu     sync.Mutex
	owner  string
	region *memory.Region
	gen    *keyGen
	length int
	state  State
	scope  *Scope
}

// teardownTarget lets the registry force-destroy a buffer without exposing
// that method on Buffer.
type teardownTarget struct {
	b *Buffer
}

func (t teardownTarget) ForceDestroy() error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.b.state == StateDestroyed {
		return nil
	}
	t.b.v.tornDown.Add(1)
	return t.b.destroyLocked()
}

// MaxCapacity is the largest capacity Create accepts.
const MaxCapacity = 1 << 30

// Create allocates a sealed, empty buffer that can hold capacity bytes.
// The owner tag is a label for diagnostics.
func (v *Vault) Create(capacity int, owner string) (*Buffer, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrCapacityExceeded, capacity)
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d above limit %d", ErrCapacityExceeded, capacity, MaxCapacity)
	}
	if v.registry.Closed() {
		return nil, ErrVaultClosed
	}

	gen, err := v.acquireGen()
	if err != nil {
		return nil, err
	}
	return v.create(capacity, owner, gen)
}

// create builds a buffer sealed under gen and takes over the caller's
// reference to it.
func (v *Vault) create(capacity int, owner string, gen *keyGen) (*Buffer, error) {
	region, err := v.alloc.Allocate(cipher.RegionSize(capacity))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create buffer: %w", err), v.releaseGen(gen))
	}

	b := &Buffer{
		v:        v,
		id:       uuid.New(),
		created:  time.Now(),
		capacity: capacity,
		gate:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		owner:    owner,
		region:   region,
		gen:      gen,
		state:    StateSealed,
	}

	if err := b.sealInitial(); err != nil {
		b.mu.Lock()
		derr := b.destroyLocked()
		b.mu.Unlock()
		return nil, errors.Join(fmt.Errorf("create buffer: %w", err), derr)
	}

	entry := lifecycle.Entry{ID: b.id, Created: b.created, Owner: owner}
	if err := v.registry.Register(entry, teardownTarget{b}); err != nil {
		b.mu.Lock()
		derr := b.destroyLocked()
		b.mu.Unlock()
		if errors.Is(err, lifecycle.ErrClosed) {
			err = ErrVaultClosed
		}
		return nil, errors.Join(err, derr)
	}

	if !region.Locked() {
		v.log.Warn("Buffer %s (%s) could not be locked into RAM and may be swapped", b.id, owner)
	}
	v.metrics.BufferCreated()
	v.log.Debug("Created buffer %s (%s, capacity %d)", b.id, owner, capacity)
	return b, nil
}

func (b *Buffer) sealInitial() error {
	if err := b.v.alloc.Protect(b.region, memory.ReadWrite); err != nil {
		return err
	}
	err := b.gen.c.Seal(b.region.Bytes(), b.capacity, b.id[:])
	b.v.metrics.CipherOperation("seal", err)
	if err != nil {
		return err
	}
	return b.v.alloc.Protect(b.region, memory.NoAccess)
}

// ID returns the buffer identity.
func (b *Buffer) ID() uuid.UUID { return b.id }

// Created returns the creation time.
func (b *Buffer) Created() time.Time { return b.created }

// Capacity returns the maximum number of bytes the buffer holds.
func (b *Buffer) Capacity() int { return b.capacity }

// Owner returns the owner tag.
func (b *Buffer) Owner() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner
}

// Len returns the length of the stored secret.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// State returns the current lifecycle state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Open unseals the buffer and returns the scope that grants access to it.
// It is OpenContext with a background context.
func (b *Buffer) Open() (*Scope, error) {
	return b.OpenContext(context.Background())
}

// OpenContext unseals the buffer. While another scope is open it waits
// (Block) or fails with ErrScopeAlreadyOpen (FailFast). Waiting stops with
// ctx.Err() when ctx is done and with ErrBufferDestroyed when the buffer is
// destroyed. On any failure the buffer stays sealed and NoAccess.
func (b *Buffer) OpenContext(ctx context.Context) (*Scope, error) {
	start := time.Now()
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateDestroyed {
		b.release()
		return nil, ErrBufferDestroyed
	}

	if err := b.v.alloc.Protect(b.region, memory.ReadWrite); err != nil {
		b.release()
		return nil, fmt.Errorf("open buffer: %w", err)
	}

	err := b.gen.c.Unseal(b.region.Bytes(), b.capacity, b.id[:])
	b.v.metrics.CipherOperation("unseal", err)
	if err != nil {
		perr := b.v.alloc.Protect(b.region, memory.NoAccess)
		b.release()
		return nil, errors.Join(fmt.Errorf("open buffer %s: %w", b.id, err), perr)
	}

	s := &Scope{b: b, opened: time.Now()}
	b.scope = s
	b.state = StateOpen
	b.v.metrics.ScopeOpened(s.opened.Sub(start))
	return s, nil
}

func (b *Buffer) acquire(ctx context.Context) error {
	select {
	case <-b.done:
		return ErrBufferDestroyed
	default:
	}

	if b.v.settings.openMode == FailFast {
		select {
		case b.gate <- struct{}{}:
			return nil
		default:
			b.v.metrics.ScopeRejected()
			return ErrScopeAlreadyOpen
		}
	}

	select {
	case b.gate <- struct{}{}:
		return nil
	case <-b.done:
		return ErrBufferDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer) release() {
	<-b.gate
}

// Use opens a scope, runs fn and closes the scope on every exit path,
// panics included. A close failure is joined with fn's error.
func (b *Buffer) Use(fn func(*Scope) error) (err error) {
	s, err := b.Open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && !errors.Is(cerr, ErrScopeExpired) {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(s)
}

// Write replaces the contents with data. The previous tail is zeroed.
// Writing more than Capacity bytes fails with ErrCapacityExceeded and leaves
// the contents untouched.
func (b *Buffer) Write(s *Scope, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkScope(s); err != nil {
		return err
	}
	if len(data) > b.capacity {
		return fmt.Errorf("%w: %d bytes into capacity %d", ErrCapacityExceeded, len(data), b.capacity)
	}

	payload := b.payload()
	copy(payload, data)
	memguard.WipeBytes(payload[len(data):])
	b.length = len(data)
	return nil
}

// Read returns a copy of the contents. The copy lives on the ordinary heap
// and is the caller's to wipe.
func (b *Buffer) Read(s *Scope) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkScope(s); err != nil {
		return nil, err
	}
	out := make([]byte, b.length)
	copy(out, b.payload())
	return out, nil
}

// ReadLocked returns a copy of the contents in locked, guarded memory. The
// caller must Destroy it.
func (b *Buffer) ReadLocked(s *Scope) (*secure.Plaintext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkScope(s); err != nil {
		return nil, err
	}
	return secure.Copy(b.payload()[:b.length]), nil
}

// Destroy wipes and releases the buffer, expiring any open scope and waking
// any waiter. Calling it again returns nil.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return nil
	}
	err := b.destroyLocked()
	owner := b.owner
	b.mu.Unlock()

	b.v.registry.Unregister(b.id)
	b.v.metrics.BufferDestroyed(metrics.ReasonExplicit)
	b.v.log.Debug("Destroyed buffer %s (%s)", b.id, owner)
	return err
}

// destroyLocked wipes the region and moves to StateDestroyed. The gate is
// left as it is: done is closed, so nobody waits on it again.
func (b *Buffer) destroyLocked() error {
	if b.state == StateDestroyed {
		return nil
	}
	if b.scope != nil {
		b.scope.closed = true
		b.scope = nil
	}
	b.state = StateDestroyed
	b.length = 0

	err := errors.Join(b.v.alloc.Release(b.region), b.v.releaseGen(b.gen))
	b.gen = nil
	close(b.done)
	return err
}

func (b *Buffer) sealedUnder(g *keyGen) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != StateDestroyed && b.gen == g
}

// migrate reseals the buffer under the current key.
func (b *Buffer) migrate(ctx context.Context) error {
	b.mu.Lock()
	gen, state := b.gen, b.state
	b.mu.Unlock()
	if state == StateDestroyed || b.v.isCurrent(gen) {
		return nil
	}

	s, err := b.OpenContext(ctx)
	switch {
	case errors.Is(err, ErrBufferDestroyed):
		return nil
	case errors.Is(err, ErrAuthenticationFailed):
		return errors.Join(err, b.Destroy())
	case err != nil:
		return err
	}
	return s.Close()
}

func (b *Buffer) payload() []byte {
	return b.region.Bytes()[cipher.NonceSize : cipher.NonceSize+b.capacity]
}

func (b *Buffer) checkScope(s *Scope) error {
	if s == nil || s.b != b || s.closed || b.scope != s {
		return ErrScopeExpired
	}
	return nil
}

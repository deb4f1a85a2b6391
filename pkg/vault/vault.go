package vault

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/systmms/volatileguard/internal/cipher"
	"github.com/systmms/volatileguard/internal/lifecycle"
	"github.com/systmms/volatileguard/internal/logging"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/metrics"
)

// Entry describes one live buffer for diagnostics. It never carries secret
// contents.
type Entry = lifecycle.Entry

// Vault is the context that owns the session key, the allocator and the
// registry of live buffers. It is safe for concurrent use.
type Vault struct {
	settings settings
	alloc    *memory.Allocator
	registry *lifecycle.Registry
	log      *logging.Logger
	metrics  *metrics.Recorder

	// kmu guards current. Buffers hold references to the generation they
	// were sealed under, so a rotated key stays alive until the last
	// buffer sealed with it is resealed or destroyed.
	kmu     sync.Mutex
	current *keyGen

	rekeyMu  sync.Mutex
	tornDown atomic.Int64

	testHookRekeyPass func()
}

type keyGen struct {
	c    *cipher.Cipher
	refs int
}

// Stats is a point-in-time summary of the vault.
type Stats struct {
	Live         int
	KeyMode      KeyMode
	OpenMode     OpenMode
	Seals        uint64
	SealBudget   uint64
	LockRequired bool
}

// New creates a vault and generates its session key.
func New(opts ...Option) (*Vault, error) {
	s := settings{
		requireLock: true,
		maxSeals:    cipher.DefaultMaxSeals,
		keyMode:     SessionKey,
		openMode:    Block,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}

	allocOpts := []memory.Option{memory.WithLockRequired(s.requireLock)}
	if s.platform != nil {
		allocOpts = append(allocOpts, memory.WithPlatform(s.platform))
	}

	v := &Vault{
		settings: s,
		alloc:    memory.NewAllocator(allocOpts...),
		registry: lifecycle.New(),
		log:      s.logger,
		metrics:  s.metrics,
	}

	c, err := v.newCipher()
	if err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	v.current = &keyGen{c: c, refs: 1}
	v.metrics.SealBudget(c.Remaining())

	v.log.Debug("Vault ready (key mode %s, open mode %s, seal budget %d)", s.keyMode, s.openMode, c.Remaining())
	return v, nil
}

func (v *Vault) newCipher() (*cipher.Cipher, error) {
	return cipher.New(v.alloc,
		cipher.WithMaxSeals(v.settings.maxSeals),
		cipher.WithMode(v.settings.keyMode),
	)
}

// acquireGen returns the current key generation with an extra reference.
func (v *Vault) acquireGen() (*keyGen, error) {
	v.kmu.Lock()
	defer v.kmu.Unlock()

	if v.current == nil {
		return nil, ErrVaultClosed
	}
	v.current.refs++
	return v.current, nil
}

func (v *Vault) isCurrent(g *keyGen) bool {
	v.kmu.Lock()
	defer v.kmu.Unlock()
	return v.current == g
}

// releaseGen drops a reference and wipes the key once nothing uses it.
func (v *Vault) releaseGen(g *keyGen) error {
	if g == nil {
		return nil
	}
	v.kmu.Lock()
	defer v.kmu.Unlock()

	g.refs--
	if g.refs > 0 {
		return nil
	}
	return g.c.Close()
}

// settled reports whether every reference to g, other than the one Rekey
// holds, is owned by a buffer in tried.
func (v *Vault) settled(g *keyGen, tried map[*Buffer]bool) bool {
	v.kmu.Lock()
	refs := g.refs
	v.kmu.Unlock()

	stuck := 0
	for b := range tried {
		if b.sealedUnder(g) {
			stuck++
		}
	}
	return refs-1 <= stuck
}

// Len returns the number of live buffers.
func (v *Vault) Len() int {
	return v.registry.Len()
}

// Entries lists live buffers ordered by creation time.
func (v *Vault) Entries() []Entry {
	return v.registry.Entries()
}

// Stats summarizes the vault. After Close only Live and the modes are set.
func (v *Vault) Stats() Stats {
	st := Stats{
		Live:         v.registry.Len(),
		KeyMode:      v.settings.keyMode,
		OpenMode:     v.settings.openMode,
		LockRequired: v.settings.requireLock,
	}
	v.kmu.Lock()
	cur := v.current
	v.kmu.Unlock()
	if cur != nil {
		st.Seals = cur.c.Seals()
		st.SealBudget = cur.c.Remaining()
	}
	return st
}

// Rekey generates a fresh session key and reseals every buffer under it.
// The old key is wiped once no buffer depends on it.
//
// Buffers with an open scope are waited for in Block mode; in FailFast mode
// they are reported with ErrScopeAlreadyOpen and move to the new key when
// their scope closes. A buffer whose contents fail authentication is
// destroyed. Errors for individual buffers are joined.
func (v *Vault) Rekey(ctx context.Context) error {
	v.rekeyMu.Lock()
	defer v.rekeyMu.Unlock()

	if v.registry.Closed() {
		return ErrVaultClosed
	}
	c, err := v.newCipher()
	if err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	next := &keyGen{c: c, refs: 1}

	v.kmu.Lock()
	old := v.current
	if old == nil {
		v.kmu.Unlock()
		return errors.Join(ErrVaultClosed, c.Close())
	}
	v.current = next
	v.kmu.Unlock()

	// A Create that took the old key before the swap may register after
	// any snapshot, so keep sweeping until every reference to the old key
	// belongs to a buffer that was already tried.
	var errs []error
	tried := make(map[*Buffer]bool)
	for {
		for _, t := range v.registry.Targets() {
			tt, ok := t.(teardownTarget)
			if !ok || tried[tt.b] {
				continue
			}
			tried[tt.b] = true
			if err := tt.b.migrate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("rekey buffer %s: %w", tt.b.id, err))
			}
		}
		if v.testHookRekeyPass != nil {
			v.testHookRekeyPass()
		}
		if v.settled(old, tried) {
			break
		}
		runtime.Gosched()
	}
	if err := v.releaseGen(old); err != nil {
		errs = append(errs, fmt.Errorf("release old key: %w", err))
	}

	v.metrics.Rekey()
	v.metrics.SealBudget(c.Remaining())
	v.log.Debug("Session key rotated (%d buffers, %d errors)", v.registry.Len(), len(errs))
	return errors.Join(errs...)
}

// TeardownAll wipes and releases every live buffer and refuses new ones.
// It continues past failures and returns them as a *lifecycle.TeardownError.
// It does not log and is safe to call from a signal handler goroutine.
func (v *Vault) TeardownAll() error {
	err := v.registry.TeardownAll()

	for n := v.tornDown.Swap(0); n > 0; n-- {
		v.metrics.BufferDestroyed(metrics.ReasonTeardown)
	}
	v.metrics.Teardown(err)
	return err
}

// Close tears down every buffer and wipes the session key. It is
// idempotent.
func (v *Vault) Close() error {
	err := v.TeardownAll()

	v.kmu.Lock()
	cur := v.current
	v.current = nil
	v.kmu.Unlock()

	if cur != nil {
		err = errors.Join(err, v.releaseGen(cur))
	}
	return err
}

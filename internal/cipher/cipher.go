package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/systmms/volatileguard/internal/memory"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the length of the nonce header of a sealed region.
	NonceSize = chacha20poly1305.NonceSizeX
	// Overhead is the length of the authentication tag.
	Overhead = chacha20poly1305.Overhead
	// DefaultMaxSeals is the seal budget of a key unless configured.
	DefaultMaxSeals uint64 = 1 << 32

	prefixSize = NonceSize - 8
	subkeyInfo = "volatileguard buffer key v1"
)

var (
	// ErrAuthenticationFailed means a sealed region did not verify: it was
	// tampered with, corrupted, or sealed under another key or identity.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNonceExhausted means the key reached its seal budget.
	ErrNonceExhausted = errors.New("nonce exhausted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cipher closed")
	// ErrLayout is returned when a region cannot hold the sealed layout.
	ErrLayout = errors.New("region too small for sealed layout")
)

// Mode selects which key encrypts a region.
type Mode int

const (
	// SessionMode seals every region under the session key.
	SessionMode Mode = iota
	// PerBufferMode seals each region under a key derived from the session
	// key and the region's associated data.
	PerBufferMode
)

func (m Mode) String() string {
	if m == PerBufferMode {
		return "per-buffer"
	}
	return "session"
}

// RegionSize is the number of bytes needed to seal capacity payload bytes.
func RegionSize(capacity int) int {
	return NonceSize + capacity + Overhead
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithMaxSeals sets the seal budget. Zero keeps the default.
func WithMaxSeals(n uint64) Option {
	return func(c *Cipher) {
		if n > 0 {
			c.maxSeals = n
		}
	}
}

// WithMode selects session or per-buffer keys.
func WithMode(m Mode) Option {
	return func(c *Cipher) {
		c.mode = m
	}
}

// Cipher seals and unseals regions in place. All operations are
// serialized, since the key region can only be exposed to one user at a time.
type Cipher struct {
	mu sync.Mutex

	alloc   *memory.Allocator
	key     *SessionKey
	scratch *memory.Region

	prefix   [prefixSize]byte
	seals    uint64
	maxSeals uint64
	mode     Mode
	closed   bool
}

// New generates a session key and returns a cipher using it.
func New(alloc *memory.Allocator, opts ...Option) (*Cipher, error) {
	c := &Cipher{
		alloc:    alloc,
		maxSeals: DefaultMaxSeals,
	}
	for _, opt := range opts {
		opt(c)
	}

	key, err := NewSessionKey(alloc)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	c.key = key

	if c.mode == PerBufferMode {
		scratch, err := alloc.Allocate(KeySize)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("subkey region: %w", err), key.Destroy())
		}
		c.scratch = scratch
	}

	memguard.ScrambleBytes(c.prefix[:])
	return c, nil
}

// Mode returns the key mode.
func (c *Cipher) Mode() Mode { return c.mode }

// Seals returns the number of seal operations performed with this key.
func (c *Cipher) Seals() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seals
}

// Remaining returns how many more seals this key allows.
func (c *Cipher) Remaining() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSeals - c.seals
}

// Seal encrypts buf[NonceSize:NonceSize+capacity] in place, writing the
// nonce header and the tag. buf must be writable.
func (c *Cipher) Seal(buf []byte, capacity int, ad []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if capacity < 0 || len(buf) < RegionSize(capacity) {
		return ErrLayout
	}
	if c.seals >= c.maxSeals {
		return ErrNonceExhausted
	}
	c.seals++

	nonce := buf[:NonceSize]
	copy(nonce, c.prefix[:])
	binary.BigEndian.PutUint64(nonce[prefixSize:], c.seals)

	payload := buf[NonceSize : NonceSize+capacity]
	return c.withAEAD(ad, func(aead stdcipher.AEAD) error {
		aead.Seal(payload[:0], nonce, payload, ad)
		return nil
	})
}

// Unseal verifies and decrypts a sealed region in place. On failure the
// payload area is zero-filled and ErrAuthenticationFailed is returned.
func (c *Cipher) Unseal(buf []byte, capacity int, ad []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if capacity < 0 || len(buf) < RegionSize(capacity) {
		return ErrLayout
	}

	nonce := buf[:NonceSize]
	sealed := buf[NonceSize : NonceSize+capacity+Overhead]
	return c.withAEAD(ad, func(aead stdcipher.AEAD) error {
		if _, err := aead.Open(sealed[:0], nonce, sealed, ad); err != nil {
			memguard.WipeBytes(sealed)
			return ErrAuthenticationFailed
		}
		memguard.WipeBytes(sealed[capacity:])
		return nil
	})
}

// Close wipes the key material. It is idempotent.
func (c *Cipher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	memguard.WipeBytes(c.prefix[:])
	return errors.Join(c.key.Destroy(), c.alloc.Release(c.scratch))
}

func (c *Cipher) withAEAD(ad []byte, fn func(stdcipher.AEAD) error) error {
	return c.key.With(func(key []byte) (err error) {
		if c.mode == PerBufferMode {
			if err := c.alloc.Protect(c.scratch, memory.ReadWrite); err != nil {
				return err
			}
			defer func() {
				memguard.WipeBytes(c.scratch.Bytes())
				if perr := c.alloc.Protect(c.scratch, memory.NoAccess); perr != nil {
					err = errors.Join(err, perr)
				}
			}()
			info := append([]byte(subkeyInfo), ad...)
			if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, info), c.scratch.Bytes()); err != nil {
				return fmt.Errorf("derive subkey: %w", err)
			}
			key = c.scratch.Bytes()
		}

		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		return fn(aead)
	})
}

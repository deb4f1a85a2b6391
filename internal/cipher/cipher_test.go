package cipher_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/volatileguard/internal/cipher"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/memory/memtest"
)

func newCipher(t *testing.T, opts ...cipher.Option) (*cipher.Cipher, *memtest.Platform) {
	t.Helper()
	p := memtest.New()
	c, err := cipher.New(memory.NewAllocator(memory.WithPlatform(p)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, p
}

func sealedRegion(capacity int, payload []byte) []byte {
	buf := make([]byte, cipher.RegionSize(capacity))
	copy(buf[cipher.NonceSize:], payload)
	return buf
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capacity int
		payload  []byte
		mode     cipher.Mode
	}{
		{name: "empty capacity", capacity: 0, payload: nil},
		{name: "single byte", capacity: 1, payload: []byte{0x42}},
		{name: "partial fill", capacity: 32, payload: []byte("0123456789abcdef")},
		{name: "binary payload", capacity: 8, payload: []byte{0x00, 0xFF, 0x10, 0x20, 0x00, 0x00, 0x01, 0x02}},
		{name: "multi page", capacity: 5000, payload: bytes.Repeat([]byte("x"), 5000)},
		{name: "per-buffer key", capacity: 32, payload: []byte("derived-key-secret"), mode: cipher.PerBufferMode},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := newCipher(t, cipher.WithMode(tt.mode))
			ad := []byte("buffer-1")

			buf := sealedRegion(tt.capacity, tt.payload)
			want := append([]byte(nil), buf[cipher.NonceSize:cipher.NonceSize+tt.capacity]...)

			require.NoError(t, c.Seal(buf, tt.capacity, ad))
			if len(tt.payload) > 4 {
				assert.NotContains(t, string(buf), string(tt.payload), "payload must not survive sealing")
			}

			require.NoError(t, c.Unseal(buf, tt.capacity, ad))
			assert.True(t, bytes.Equal(want, buf[cipher.NonceSize:cipher.NonceSize+tt.capacity]))
			assert.True(t, memtest.AllZero(buf[cipher.NonceSize+tt.capacity:]), "tag area must be wiped after unseal")
		})
	}
}

func TestSeal_NonceNeverRepeats(t *testing.T) {
	t.Parallel()

	c, _ := newCipher(t)
	seen := make(map[string]bool)

	for i := 0; i < 64; i++ {
		buf := sealedRegion(16, []byte("same plaintext"))
		require.NoError(t, c.Seal(buf, 16, nil))
		nonce := string(buf[:cipher.NonceSize])
		assert.False(t, seen[nonce], "nonce reused at seal %d", i)
		seen[nonce] = true
	}
	assert.Equal(t, uint64(64), c.Seals())
}

func TestUnseal_DetectsTampering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(buf []byte)
		ad     []byte
	}{
		{name: "flipped payload bit", mutate: func(buf []byte) { buf[cipher.NonceSize] ^= 0x01 }},
		{name: "flipped tag bit", mutate: func(buf []byte) { buf[len(buf)-1] ^= 0x80 }},
		{name: "altered nonce", mutate: func(buf []byte) { buf[0] ^= 0xFF }},
		{name: "wrong identity", mutate: func([]byte) {}, ad: []byte("buffer-2")},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := newCipher(t)
			buf := sealedRegion(32, []byte("do not tamper with me"))
			require.NoError(t, c.Seal(buf, 32, []byte("buffer-1")))

			tt.mutate(buf)
			ad := tt.ad
			if ad == nil {
				ad = []byte("buffer-1")
			}

			err := c.Unseal(buf, 32, ad)
			require.ErrorIs(t, err, cipher.ErrAuthenticationFailed)
			assert.True(t, memtest.AllZero(buf[cipher.NonceSize:]), "no garbage plaintext may remain")
		})
	}
}

func TestUnseal_OtherSessionKeyFails(t *testing.T) {
	t.Parallel()

	a, _ := newCipher(t)
	b, _ := newCipher(t)

	buf := sealedRegion(16, []byte("session-bound"))
	require.NoError(t, a.Seal(buf, 16, nil))
	assert.ErrorIs(t, b.Unseal(buf, 16, nil), cipher.ErrAuthenticationFailed)
}

func TestPerBufferMode_BindsIdentity(t *testing.T) {
	t.Parallel()

	c, p := newCipher(t, cipher.WithMode(cipher.PerBufferMode))
	assert.Equal(t, 2, p.Live(), "session key and scratch region")

	buf := sealedRegion(16, []byte("per-buffer"))
	require.NoError(t, c.Seal(buf, 16, []byte("a")))
	assert.ErrorIs(t, c.Unseal(buf, 16, []byte("b")), cipher.ErrAuthenticationFailed)
}

func TestSeal_NonceExhausted(t *testing.T) {
	t.Parallel()

	c, _ := newCipher(t, cipher.WithMaxSeals(2))
	assert.Equal(t, uint64(2), c.Remaining())

	for i := 0; i < 2; i++ {
		require.NoError(t, c.Seal(sealedRegion(8, nil), 8, nil))
	}
	assert.Zero(t, c.Remaining())

	buf := sealedRegion(8, []byte("plain"))
	assert.ErrorIs(t, c.Seal(buf, 8, nil), cipher.ErrNonceExhausted)
	assert.Equal(t, "plain", string(buf[cipher.NonceSize:cipher.NonceSize+5]), "failed seal leaves the buffer to the caller")
}

func TestSeal_KeyRegionStaysNoAccess(t *testing.T) {
	t.Parallel()

	c, p := newCipher(t, cipher.WithMode(cipher.PerBufferMode))
	buf := sealedRegion(16, []byte("x"))
	require.NoError(t, c.Seal(buf, 16, nil))
	require.NoError(t, c.Unseal(buf, 16, nil))

	for _, m := range p.LiveMappings() {
		state, ok := p.State(m)
		require.True(t, ok)
		assert.Equal(t, memory.NoAccess, state)
	}
}

func TestSeal_Layout(t *testing.T) {
	t.Parallel()

	c, _ := newCipher(t)
	assert.ErrorIs(t, c.Seal(make([]byte, cipher.RegionSize(16)-1), 16, nil), cipher.ErrLayout)
	assert.ErrorIs(t, c.Unseal(make([]byte, 8), 16, nil), cipher.ErrLayout)
	assert.ErrorIs(t, c.Seal(make([]byte, 64), -1, nil), cipher.ErrLayout)
}

func TestClose(t *testing.T) {
	t.Parallel()

	c, p := newCipher(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Zero(t, p.Live())
	for _, m := range p.Freed() {
		assert.True(t, memtest.AllZero(m))
	}
	assert.ErrorIs(t, c.Seal(sealedRegion(8, nil), 8, nil), cipher.ErrClosed)
	assert.ErrorIs(t, c.Unseal(sealedRegion(8, nil), 8, nil), cipher.ErrClosed)
}

func TestNew_AllocationFailure(t *testing.T) {
	t.Parallel()

	p := memtest.New()
	p.FailLock(assert.AnError)
	_, err := cipher.New(memory.NewAllocator(memory.WithPlatform(p)))
	assert.ErrorIs(t, err, memory.ErrAllocationFailed)
}

func TestSessionKey_ProtectionDenied(t *testing.T) {
	t.Parallel()

	p := memtest.New()
	alloc := memory.NewAllocator(memory.WithPlatform(p))
	key, err := cipher.NewSessionKey(alloc)
	require.NoError(t, err)
	defer key.Destroy()

	p.FailProtect(memory.ReadOnly, assert.AnError)
	called := false
	err = key.With(func([]byte) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, memory.ErrProtectionDenied)
	assert.False(t, called, "key must not be handed out when it could not be unprotected")
}

func TestModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "session", cipher.SessionMode.String())
	assert.Equal(t, "per-buffer", cipher.PerBufferMode.String())
}

package vault

import (
	"errors"

	"github.com/systmms/volatileguard/internal/cipher"
	"github.com/systmms/volatileguard/internal/memory"
)

// Every error below is fatal to the operation that returned it and is
// never retried by the vault. Compare with errors.Is.
var (
	// ErrAllocationFailed means the platform could not provide locked,
	// protected memory, usually because RLIMIT_MEMLOCK is exhausted.
	ErrAllocationFailed = memory.ErrAllocationFailed
	// ErrProtectionDenied means the platform refused a protection change.
	ErrProtectionDenied = memory.ErrProtectionDenied
	// ErrCapacityExceeded means a write was larger than the buffer.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrAuthenticationFailed means sealed contents failed verification.
	ErrAuthenticationFailed = cipher.ErrAuthenticationFailed
	// ErrNonceExhausted means the session key must be rotated.
	ErrNonceExhausted = cipher.ErrNonceExhausted
	// ErrScopeAlreadyOpen means another scope holds the buffer.
	ErrScopeAlreadyOpen = errors.New("scope already open")
	// ErrScopeExpired means the scope was closed or force-closed.
	ErrScopeExpired = errors.New("scope expired")
	// ErrBufferDestroyed means the buffer was wiped.
	ErrBufferDestroyed = errors.New("buffer destroyed")
	// ErrVaultClosed means the vault was torn down.
	ErrVaultClosed = errors.New("vault closed")
)

// Package cipher encrypts secret regions at rest.
//
// Sealed regions use the layout
//
//	[24-byte nonce][payload][16-byte tag]
//
// and XChaCha20-Poly1305 applied in place. The nonce is a random per-key
// prefix followed by a seal counter, so it never repeats for a key; once
// the configured seal budget is spent Seal fails with ErrNonceExhausted and
// the key has to be rotated.
//
// The session key lives in its own guarded region and is readable only for
// the duration of a single Seal or Unseal.
package cipher

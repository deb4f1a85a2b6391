package vault

import (
	"fmt"

	"github.com/systmms/volatileguard/internal/cipher"
	"github.com/systmms/volatileguard/internal/logging"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/metrics"
)

// OpenMode decides what Open does while another scope is open.
type OpenMode int

const (
	// Block waits until the open scope closes.
	Block OpenMode = iota
	// FailFast returns ErrScopeAlreadyOpen immediately.
	FailFast
)

func (m OpenMode) String() string {
	if m == FailFast {
		return "fail-fast"
	}
	return "block"
}

// ParseOpenMode parses "block" or "fail-fast".
func ParseOpenMode(s string) (OpenMode, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "fail-fast":
		return FailFast, nil
	default:
		return Block, fmt.Errorf("unknown open mode %q", s)
	}
}

// KeyMode selects how buffers are keyed.
type KeyMode = cipher.Mode

const (
	// SessionKey seals all buffers under the vault's session key.
	SessionKey = cipher.SessionMode
	// PerBufferKey seals each buffer under a key derived for it.
	PerBufferKey = cipher.PerBufferMode
)

// ParseKeyMode parses "session" or "per-buffer".
func ParseKeyMode(s string) (KeyMode, error) {
	switch s {
	case "", "session":
		return SessionKey, nil
	case "per-buffer":
		return PerBufferKey, nil
	default:
		return SessionKey, fmt.Errorf("unknown key mode %q", s)
	}
}

type settings struct {
	platform    memory.Platform
	requireLock bool
	maxSeals    uint64
	keyMode     KeyMode
	openMode    OpenMode
	logger      *logging.Logger
	metrics     *metrics.Recorder
}

// Option configures a Vault.
type Option func(*settings)

// WithPlatform replaces the system memory platform, mostly for tests.
func WithPlatform(p memory.Platform) Option {
	return func(s *settings) {
		s.platform = p
	}
}

// WithLockRequired controls whether buffers that cannot be locked into
// RAM are refused (the default) or handed out unlocked with a warning.
func WithLockRequired(required bool) Option {
	return func(s *settings) {
		s.requireLock = required
	}
}

// WithMaxSeals bounds seal operations per session key.
func WithMaxSeals(n uint64) Option {
	return func(s *settings) {
		s.maxSeals = n
	}
}

// WithKeyMode selects session or per-buffer keys.
func WithKeyMode(m KeyMode) Option {
	return func(s *settings) {
		s.keyMode = m
	}
}

// WithOpenMode selects blocking or fail-fast scope acquisition.
func WithOpenMode(m OpenMode) Option {
	return func(s *settings) {
		s.openMode = m
	}
}

// WithLogger sets the diagnostics logger. Secret contents are never logged.
func WithLogger(l *logging.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/volatileguard/pkg/vault"
)

// Exit codes returned by the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitEnvironment = 3
	ExitIntegrity   = 4
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// CommandError represents a failed CLI command, such as a failing self-test
type CommandError struct {
	Command    string
	ExitCode   int
	Message    string
	Suggestion string
}

func (e CommandError) Error() string {
	msg := fmt.Sprintf("Command '%s' failed", e.Command)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code: %d)", e.ExitCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// vaultHint pairs a vault sentinel with what the user sees for it.
type vaultHint struct {
	err        error
	message    string
	suggestion string
}

var vaultHints = []vaultHint{
	{
		err:        vault.ErrAllocationFailed,
		message:    "Could not allocate locked memory for secrets",
		suggestion: "Raise the locked memory limit ('ulimit -l') or grant CAP_IPC_LOCK; set require_mlock: false to run unlocked",
	},
	{
		err:        vault.ErrProtectionDenied,
		message:    "The operating system refused a memory protection change",
		suggestion: "Check for a seccomp or SELinux policy blocking mprotect",
	},
	{
		err:        vault.ErrAuthenticationFailed,
		message:    "Sealed secret failed its integrity check",
		suggestion: "Memory was modified outside the vault; treat the process as compromised",
	},
	{
		err:        vault.ErrNonceExhausted,
		message:    "The session key reached its seal limit",
		suggestion: "Rotate the session key or raise max_seals_per_key",
	},
	{
		err:        vault.ErrCapacityExceeded,
		message:    "Secret is larger than its buffer",
		suggestion: "Create the buffer with a larger capacity",
	},
	{
		err:        vault.ErrScopeAlreadyOpen,
		message:    "Secret is already in use",
		suggestion: "Close the open scope first, or use open_mode: block to wait for it",
	},
	{
		err:     vault.ErrScopeExpired,
		message: "Access to the secret was already closed",
	},
	{
		err:     vault.ErrBufferDestroyed,
		message: "Secret was already destroyed",
	},
	{
		err:     vault.ErrVaultClosed,
		message: "The vault was shut down",
	},
}

// VaultError wraps a vault error with a message and suggestion for the user.
// Errors that carry no vault sentinel are returned unchanged.
func VaultError(operation string, err error) error {
	h, ok := findHint(err)
	if !ok {
		return err
	}
	return UserError{
		Message:    fmt.Sprintf("%s: %s", operation, h.message),
		Suggestion: h.suggestion,
		Err:        err,
	}
}

func findHint(err error) (vaultHint, bool) {
	if err == nil {
		return vaultHint{}, false
	}
	for _, h := range vaultHints {
		if errors.Is(err, h.err) {
			return h, true
		}
	}
	return vaultHint{}, false
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cmdErr CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode != 0 {
		return cmdErr.ExitCode
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfig
	}

	switch {
	case errors.Is(err, vault.ErrAllocationFailed), errors.Is(err, vault.ErrProtectionDenied):
		return ExitEnvironment
	case errors.Is(err, vault.ErrAuthenticationFailed):
		return ExitIntegrity
	default:
		return ExitFailure
	}
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	var cmdErr CommandError
	if errors.As(err, &cmdErr) {
		return err
	}

	if _, ok := findHint(err); ok {
		return VaultError("Vault operation failed", err)
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	// Simplify common technical errors
	errStr := rootErr.Error()

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	// yaml.v3 prefixes its own errors; paths like volatileguard.yaml must not match.
	if strings.HasPrefix(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	// Return original error if we can't simplify it
	return err
}

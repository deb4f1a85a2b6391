package commands

import (
	"bytes"
	"fmt"
	"os"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/systmms/volatileguard/internal/config"
	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/pkg/vault"
)

const (
	readinessCapacity = 32
	readinessSecret   = 16
)

// Run initializes the process-wide vault from cfg, checks that a secret
// survives a seal and unseal cycle, reports the result and tears the vault
// down. cfg.Verbose only changes the log level.
func Run(cfg *config.Config, platform memory.Platform) error {
	if err := loadConfig(cfg); err != nil {
		return err
	}
	applyCoreDumpPolicy(cfg)

	v, err := openVault(cfg, platform)
	if err != nil {
		return dserrors.VaultError("Initialize vault", err)
	}
	memguard.CatchSignal(func(sig os.Signal) {
		cfg.Logger.Warn("Received %s, wiping secrets", sig)
		_ = v.Close()
	}, os.Interrupt, syscall.SIGTERM)

	checkErr := readinessCheck(v)
	closeErr := v.Close()
	if checkErr != nil {
		return dserrors.VaultError("Readiness check", checkErr)
	}
	if closeErr != nil {
		return dserrors.VaultError("Teardown", closeErr)
	}

	stats := v.Stats()
	cfg.Logger.Info("✓ Vault ready (key mode: %s, open mode: %s)", stats.KeyMode, stats.OpenMode)
	if limit, err := memory.LockLimit(); err == nil {
		cfg.Logger.Info("  Locked memory limit: %s", formatLimit(limit))
	}
	cfg.Logger.Debug("Readiness check passed and all buffers wiped")
	return nil
}

// readinessCheck runs create, write, close, reopen, verify and destroy on
// a throwaway buffer.
func readinessCheck(v *vault.Vault) error {
	b, err := v.Create(readinessCapacity, "readiness-check")
	if err != nil {
		return err
	}
	defer func() { _ = b.Destroy() }()

	probe := make([]byte, readinessSecret)
	memguard.ScrambleBytes(probe)
	defer memguard.WipeBytes(probe)

	if err := b.Use(func(s *vault.Scope) error {
		return b.Write(s, probe)
	}); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	return b.Use(func(s *vault.Scope) error {
		got, err := b.Read(s)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		defer memguard.WipeBytes(got)
		if !bytes.Equal(got, probe) {
			return fmt.Errorf("read back %d bytes that differ from what was written", len(got))
		}
		return nil
	})
}

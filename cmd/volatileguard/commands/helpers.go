package commands

import (
	"fmt"

	"github.com/systmms/volatileguard/internal/config"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/pkg/vault"
)

// loadConfig loads the configuration once per process.
func loadConfig(cfg *config.Config) error {
	if cfg.Definition != nil {
		return nil
	}
	return cfg.Load()
}

// openVault builds the vault described by the configuration. A nil
// platform means the operating system.
func openVault(cfg *config.Config, platform memory.Platform, extra ...vault.Option) (*vault.Vault, error) {
	if err := loadConfig(cfg); err != nil {
		return nil, err
	}

	opts := cfg.VaultOptions()
	if platform != nil {
		opts = append(opts, vault.WithPlatform(platform))
	}
	opts = append(opts, extra...)

	return vault.New(opts...)
}

// applyCoreDumpPolicy turns core dumps off when configured. Failure is only
// a warning: the vault's own regions are excluded from dumps regardless.
func applyCoreDumpPolicy(cfg *config.Config) {
	if !cfg.Definition.DisableCoreDumpsEnabled() {
		cfg.Logger.Debug("Core dumps left as configured by the environment")
		return
	}
	if err := memory.DisableCoreDumps(); err != nil {
		cfg.Logger.Warn("Could not disable core dumps: %v", err)
		return
	}
	cfg.Logger.Debug("Core dumps disabled")
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatLimit(l memory.Limit) string {
	if l.Unlimited() {
		return "unlimited"
	}
	return formatBytes(l.Current)
}

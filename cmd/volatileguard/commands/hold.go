package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/systmms/volatileguard/internal/config"
	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/lifecycle"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/metrics"
	"github.com/systmms/volatileguard/pkg/vault"
	"golang.org/x/term"
)

func NewHoldCommand(cfg *config.Config, platform memory.Platform) *cobra.Command {
	var (
		duration    time.Duration
		capacity    int
		owner       string
		metricsPort int
	)

	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Hold a secret from stdin in guarded memory until told to stop",
		Long: `Read a secret from stdin and keep it sealed in guarded memory until the
duration elapses or SIGINT/SIGTERM arrives, then wipe it.

On a terminal the secret is read without echo. From a pipe everything up to
EOF is read and one trailing newline is dropped.

With --metrics-port (or metrics.enabled in the configuration) Prometheus
metrics are served on 127.0.0.1. They never include secret material.`,
		Example: `  # Hold a password for ten minutes
  volatileguard hold --duration 10m --owner db-password

  # Hold a token from a pipe until interrupted
  vault-cli read token | volatileguard hold --owner api-token`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if capacity <= 0 {
				return dserrors.UserError{
					Message:    "Capacity must be positive",
					Suggestion: "Pass --capacity with the maximum secret size in bytes",
				}
			}
			if err := loadConfig(cfg); err != nil {
				return err
			}
			applyCoreDumpPolicy(cfg)

			serverCfg := cfg.Definition.MetricsServerConfig()
			if cmd.Flags().Changed("metrics-port") {
				serverCfg.Enabled = true
				serverCfg.Port = metricsPort
			}

			var extra []vault.Option
			if serverCfg.Enabled {
				metrics.InitMetrics()
				extra = append(extra, vault.WithMetrics(metrics.NewRecorder()))
			}

			v, err := openVault(cfg, platform, extra...)
			if err != nil {
				return dserrors.VaultError("Initialize vault", err)
			}
			defer func() {
				if cerr := closeVault(cfg, v); cerr != nil {
					err = errors.Join(err, cerr)
				}
			}()

			b, err := v.Create(capacity, owner)
			if err != nil {
				return dserrors.VaultError("Create buffer", err)
			}

			if err := storeFromInput(cmd, b); err != nil {
				return err
			}
			cfg.Logger.Info("✓ Holding %d bytes for %q in buffer %s", b.Len(), owner, b.ID())

			if serverCfg.Enabled {
				server := metrics.NewServer(serverCfg)
				serveErrs := make(chan error, 1)
				if err := server.Start(serveErrs); err != nil {
					return err
				}
				cfg.Logger.Info("Serving metrics on http://%s%s", server.Addr(), serverCfg.Path)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Stop(ctx)
				}()
				go func() {
					for err := range serveErrs {
						cfg.Logger.Warn("Metrics server: %v", err)
					}
				}()
			}

			return waitAndTeardown(cmd.Context(), cfg, v, duration)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "How long to hold the secret (0 waits for a signal)")
	cmd.Flags().IntVar(&capacity, "capacity", 4096, "Maximum secret size in bytes")
	cmd.Flags().StringVar(&owner, "owner", "hold", "Owner tag shown in diagnostics")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Serve Prometheus metrics on this localhost port")

	return cmd
}

// storeFromInput reads the secret and writes it straight into b. The heap
// copy is wiped before returning.
func storeFromInput(cmd *cobra.Command, b *vault.Buffer) error {
	secret, err := readSecret(cmd, b.Capacity())
	defer memguard.WipeBytes(secret)
	if err != nil {
		return err
	}
	if len(secret) == 0 {
		return dserrors.UserError{
			Message:    "No secret on stdin",
			Suggestion: "Pipe the secret in or type it at the prompt",
		}
	}

	err = b.Use(func(s *vault.Scope) error {
		return b.Write(s, secret)
	})
	if err != nil {
		return dserrors.VaultError("Store secret", err)
	}
	return nil
}

func readSecret(cmd *cobra.Command, capacity int) ([]byte, error) {
	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Secret: ")
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("read secret from terminal: %w", err)
		}
		return secret, nil
	}

	// One byte beyond capacity plus a possible newline tells an oversized
	// secret apart from one that fits exactly.
	secret, err := io.ReadAll(io.LimitReader(in, int64(capacity)+2))
	if err != nil {
		memguard.WipeBytes(secret)
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret = trimNewline(secret)
	if len(secret) > capacity {
		memguard.WipeBytes(secret)
		return nil, dserrors.VaultError("Read secret", fmt.Errorf("%w: more than %d bytes on stdin", vault.ErrCapacityExceeded, capacity))
	}
	return secret, nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

// waitAndTeardown blocks until the duration elapses, a termination signal
// arrives or ctx is done, then wipes every buffer.
func waitAndTeardown(ctx context.Context, cfg *config.Config, v *vault.Vault, duration time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	signalled, stop := v.TeardownOnSignal()
	defer stop()

	var expired <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-signalled:
		if err != nil {
			cfg.Logger.Error("Teardown after signal was incomplete: %v", err)
			return err
		}
		cfg.Logger.Warn("Termination signal received, all secrets wiped")
		return nil
	case <-expired:
		cfg.Logger.Info("Hold duration elapsed")
	case <-ctx.Done():
		cfg.Logger.Info("Hold cancelled")
	}

	stop()
	if err := closeVault(cfg, v); err != nil {
		return err
	}
	cfg.Logger.Info("✓ All secrets wiped")
	return nil
}

// closeVault tears the vault down and logs an incomplete wipe. A second call
// after a successful teardown returns nil.
func closeVault(cfg *config.Config, v *vault.Vault) error {
	err := v.Close()
	var te *lifecycle.TeardownError
	if errors.As(err, &te) {
		cfg.Logger.Error("Teardown left %d of %d buffers unwiped", len(te.Failures), te.Total)
	}
	return err
}

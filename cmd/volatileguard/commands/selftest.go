package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/systmms/volatileguard/internal/cipher"
	"github.com/systmms/volatileguard/internal/config"
	dserrors "github.com/systmms/volatileguard/internal/errors"
	"github.com/systmms/volatileguard/internal/memory"
	"github.com/systmms/volatileguard/internal/metrics"
	"github.com/systmms/volatileguard/pkg/vault"
)

// selftest runs each check against a fresh vault built from the
// configuration.
type selftest struct {
	cfg      *config.Config
	platform memory.Platform
	extra    []vault.Option
}

type selftestCheck struct {
	name string
	run  func(*selftest) error
}

var selftestChecks = []selftestCheck{
	{name: "round trip", run: (*selftest).roundTrip},
	{name: "tamper detection", run: (*selftest).tamperDetection},
	{name: "capacity boundary", run: (*selftest).capacityBoundary},
	{name: "fail-fast exclusivity", run: (*selftest).failFastExclusivity},
	{name: "blocking exclusivity", run: (*selftest).blockingExclusivity},
	{name: "rekey", run: (*selftest).rekey},
	{name: "teardown", run: (*selftest).teardown},
}

func NewSelftestCommand(cfg *config.Config, platform memory.Platform) *cobra.Command {
	var showMetrics bool

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the vault's guarantees on this machine",
		Long: `Run the vault through its guarantees using throwaway secrets:
round trip, tamper detection, capacity limits, scope exclusivity in both
open modes, key rotation and teardown.

Use --metrics to print the Prometheus metrics recorded during the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfg); err != nil {
				return err
			}

			st := &selftest{cfg: cfg, platform: platform}
			if showMetrics {
				metrics.InitMetrics()
				st.extra = append(st.extra, vault.WithMetrics(metrics.NewRecorder()))
			}

			results := make([]CheckResult, 0, len(selftestChecks))
			failed := 0
			for _, check := range selftestChecks {
				start := time.Now()
				err := check.run(st)
				elapsed := time.Since(start).Round(time.Microsecond)
				if err != nil {
					failed++
					results = append(results, CheckResult{Name: check.name, Status: "error", Message: err.Error()})
					cfg.Logger.Debug("Self-test %q failed after %s: %v", check.name, elapsed, err)
					continue
				}
				results = append(results, CheckResult{Name: check.name, Status: "ok", Message: elapsed.String()})
			}

			out := cmd.OutOrStdout()
			displayCheckResults(out, results, false)
			_, _ = fmt.Fprintf(out, "\nSummary: %d/%d checks passed\n", len(results)-failed, len(results))

			if showMetrics {
				_, _ = fmt.Fprintln(out)
				if err := metrics.WriteText(out); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}

			if failed > 0 {
				return dserrors.CommandError{
					Command:    "selftest",
					ExitCode:   dserrors.ExitIntegrity,
					Message:    fmt.Sprintf("%d of %d checks failed", failed, len(results)),
					Suggestion: "Run 'volatileguard doctor' to check the platform",
				}
			}
			cfg.Logger.Info("✓ All self-tests passed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print recorded metrics in Prometheus text format")

	return cmd
}

// withVault runs fn against a fresh vault and closes it afterwards.
func (st *selftest) withVault(fn func(*vault.Vault) error, opts ...vault.Option) error {
	v, err := openVault(st.cfg, st.platform, append(append([]vault.Option{}, st.extra...), opts...)...)
	if err != nil {
		return err
	}
	return errors.Join(fn(v), v.Close())
}

func (st *selftest) roundTrip() error {
	return st.withVault(func(v *vault.Vault) error {
		return readinessCheck(v)
	})
}

// tamperDetection flips one ciphertext bit and expects the cipher to refuse
// the region.
func (st *selftest) tamperDetection() error {
	allocOpts := []memory.Option{memory.WithLockRequired(st.cfg.Definition.RequireMlockEnabled())}
	if st.platform != nil {
		allocOpts = append(allocOpts, memory.WithPlatform(st.platform))
	}
	alloc := memory.NewAllocator(allocOpts...)

	c, err := cipher.New(alloc)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	const capacity = 16
	return alloc.WithRegion(cipher.RegionSize(capacity), func(r *memory.Region) error {
		if err := alloc.Protect(r, memory.ReadWrite); err != nil {
			return err
		}
		buf := r.Bytes()
		ad := []byte("selftest")
		memguard.ScrambleBytes(buf[cipher.NonceSize : cipher.NonceSize+capacity])

		if err := c.Seal(buf, capacity, ad); err != nil {
			return err
		}
		buf[cipher.NonceSize+capacity/2] ^= 0x01

		err := c.Unseal(buf, capacity, ad)
		if !errors.Is(err, cipher.ErrAuthenticationFailed) {
			return fmt.Errorf("tampered region was accepted (err=%v)", err)
		}
		for _, x := range buf[cipher.NonceSize : cipher.NonceSize+capacity] {
			if x != 0 {
				return errors.New("rejected region still holds data")
			}
		}
		return nil
	})
}

func (st *selftest) capacityBoundary() error {
	return st.withVault(func(v *vault.Vault) error {
		b, err := v.Create(16, "selftest-capacity")
		if err != nil {
			return err
		}
		return b.Use(func(s *vault.Scope) error {
			if err := b.Write(s, make([]byte, 16)); err != nil {
				return fmt.Errorf("write at capacity: %w", err)
			}
			if err := b.Write(s, make([]byte, 17)); !errors.Is(err, vault.ErrCapacityExceeded) {
				return fmt.Errorf("write over capacity returned %v", err)
			}
			return nil
		})
	})
}

func (st *selftest) failFastExclusivity() error {
	return st.withVault(func(v *vault.Vault) error {
		b, err := v.Create(8, "selftest-failfast")
		if err != nil {
			return err
		}
		s, err := b.Open()
		if err != nil {
			return err
		}
		_, second := b.Open()
		if err := s.Close(); err != nil {
			return err
		}
		if !errors.Is(second, vault.ErrScopeAlreadyOpen) {
			return fmt.Errorf("second open returned %v", second)
		}
		return nil
	}, vault.WithOpenMode(vault.FailFast))
}

func (st *selftest) blockingExclusivity() error {
	return st.withVault(func(v *vault.Vault) error {
		b, err := v.Create(8, "selftest-block")
		if err != nil {
			return err
		}
		s, err := b.Open()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, waitErr := b.OpenContext(ctx)

		if err := s.Close(); err != nil {
			return err
		}
		if !errors.Is(waitErr, context.DeadlineExceeded) {
			return fmt.Errorf("second open did not wait (err=%v)", waitErr)
		}

		again, err := b.Open()
		if err != nil {
			return fmt.Errorf("open after close: %w", err)
		}
		return again.Close()
	}, vault.WithOpenMode(vault.Block))
}

func (st *selftest) rekey() error {
	return st.withVault(func(v *vault.Vault) error {
		b, err := v.Create(16, "selftest-rekey")
		if err != nil {
			return err
		}
		want := []byte("rotate me please")
		if err := b.Use(func(s *vault.Scope) error { return b.Write(s, want) }); err != nil {
			return err
		}
		if err := v.Rekey(context.Background()); err != nil {
			return err
		}
		return b.Use(func(s *vault.Scope) error {
			got, err := b.Read(s)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, want) {
				return errors.New("contents changed across rekey")
			}
			return nil
		})
	})
}

func (st *selftest) teardown() error {
	return st.withVault(func(v *vault.Vault) error {
		for i := 0; i < 4; i++ {
			if _, err := v.Create(16, fmt.Sprintf("selftest-teardown-%d", i)); err != nil {
				return err
			}
		}
		if err := v.TeardownAll(); err != nil {
			return err
		}
		if n := v.Len(); n != 0 {
			return fmt.Errorf("%d buffers survived teardown", n)
		}
		if _, err := v.Create(8, "late"); !errors.Is(err, vault.ErrVaultClosed) {
			return fmt.Errorf("create after teardown returned %v", err)
		}
		return nil
	})
}
